package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
)

// Report summarizes one ingest run.
type Report struct {
	Fetched  int `json:"fetched"`
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Ingestor downloads each configured feed and inserts the records it does
// not already have. Existing records (matched on external id) are never
// touched, so re-running ingest is safe.
type Ingestor struct {
	store   store.Store
	fetcher Fetcher
	log     *zap.Logger
}

// New creates an Ingestor.
func New(st store.Store, fetcher Fetcher) *Ingestor {
	return &Ingestor{
		store:   st,
		fetcher: fetcher,
		log:     zap.L().With(zap.String("component", "ingest")),
	}
}

// Run fetches every feed concurrently, one goroutine per source. A feed that
// fails to download fails the run; per-item problems are logged and skipped.
func (ing *Ingestor) Run(ctx context.Context, feeds map[string]string) (Report, error) {
	var (
		mu     sync.Mutex
		report Report
	)

	g, ctx := errgroup.WithContext(ctx)
	for name, url := range feeds {
		source := model.Source(name)
		feedURL := url
		g.Go(func() error {
			r, err := ing.runFeed(ctx, source, feedURL)
			mu.Lock()
			report.Fetched += r.Fetched
			report.Inserted += r.Inserted
			report.Skipped += r.Skipped
			report.Failed += r.Failed
			mu.Unlock()
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}

	ing.log.Info("ingest complete",
		zap.Int("fetched", report.Fetched),
		zap.Int("inserted", report.Inserted),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (ing *Ingestor) runFeed(ctx context.Context, source model.Source, url string) (Report, error) {
	log := ing.log.With(zap.String("source", string(source)))

	items, err := ing.fetcher.Fetch(ctx, url)
	if err != nil {
		return Report{}, eris.Wrapf(err, "ingest: feed %s", source)
	}
	report := Report{Fetched: len(items)}
	log.Info("feed fetched", zap.Int("items", len(items)))

	for _, item := range items {
		rec, err := parseItem(source, item)
		if err != nil {
			log.Warn("item skipped", zap.Error(err))
			report.Failed++
			continue
		}

		inserted, err := ing.store.InsertClient(ctx, rec)
		if err != nil {
			log.Error("insert failed", zap.String("external_id", rec.ExternalID), zap.Error(err))
			report.Failed++
			continue
		}
		if inserted {
			report.Inserted++
		} else {
			report.Skipped++
		}
	}
	return report, nil
}

// knownKeys are the feed fields mapped onto ClientRecord columns; everything
// else is preserved opaquely in Extra.
var knownKeys = map[string]bool{
	"_id": true, "id": true,
	"fullName": true, "full_name": true,
	"phoneNumber": true, "phone_number": true,
	"language":  true,
	"createdAt": true, "created_at": true,
}

func parseItem(source model.Source, item map[string]any) (model.ClientRecord, error) {
	rec := model.ClientRecord{
		ID:          uuid.New().String(),
		Source:      source,
		ExternalID:  stringField(item, "_id", "id"),
		FullName:    stringField(item, "fullName", "full_name"),
		PhoneNumber: stringField(item, "phoneNumber", "phone_number"),
		Language:    stringField(item, "language"),
		CreatedAt:   stringField(item, "createdAt", "created_at"),
	}

	// A record that can never be called is still stored; the engine skips
	// it until the feed corrects the data. Only a completely empty item is
	// rejected.
	if rec.ExternalID == "" && rec.FullName == "" && rec.PhoneNumber == "" {
		return model.ClientRecord{}, eris.Errorf("ingest: item has no identifying fields: %v", item)
	}

	for key, value := range item {
		if knownKeys[key] {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = map[string]any{}
		}
		rec.Extra[key] = value
	}
	return rec, nil
}

func stringField(item map[string]any, keys ...string) string {
	for _, key := range keys {
		value, ok := item[key]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case string:
			return v
		default:
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}
