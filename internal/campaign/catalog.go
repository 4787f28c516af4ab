// Package campaign implements the outbound call campaign engine: the
// per-source catalog, the decision rules, and the orchestrator that walks
// client records and drives the call gateway.
package campaign

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/outreach-cli/internal/config"
	"github.com/sells-group/outreach-cli/internal/model"
)

// SourceCampaign holds the offer texts and stage thresholds for one lead
// source. Thresholds are configuration, never derived.
type SourceCampaign struct {
	OfferText     string
	ThankYouText  string
	InitialAfter  time.Duration
	ThankYouAfter time.Duration
}

// Catalog maps each lead source to its campaign settings. Sources are data:
// adding a source is additive configuration, not a code change.
type Catalog map[model.Source]SourceCampaign

// Lookup returns the campaign for a source. An unknown source is an operator
// error surfaced at engine construction, not masked at run time.
func (c Catalog) Lookup(source model.Source) (SourceCampaign, error) {
	camp, ok := c[source]
	if !ok {
		return SourceCampaign{}, eris.Errorf("campaign: unknown source %q", source)
	}
	return camp, nil
}

// LoadCatalog builds the catalog from config. Inline sources take precedence;
// otherwise the standalone catalog file is read. Debug mode substitutes the
// short debug thresholds for every source so the same rules run in seconds
// instead of days.
func LoadCatalog(cfg config.CampaignConfig) (Catalog, error) {
	catalog := Catalog{}

	switch {
	case len(cfg.Sources) > 0:
		for name, src := range cfg.Sources {
			catalog[model.Source(name)] = SourceCampaign{
				OfferText:     src.OfferText,
				ThankYouText:  src.ThankYouText,
				InitialAfter:  src.InitialAfter,
				ThankYouAfter: src.ThankYouAfter,
			}
		}
	case cfg.CatalogFile != "":
		fileCatalog, err := loadCatalogFile(cfg.CatalogFile)
		if err != nil {
			return nil, err
		}
		catalog = fileCatalog
	default:
		return nil, eris.New("campaign: no sources configured")
	}

	for name, camp := range catalog {
		if camp.OfferText == "" {
			return nil, eris.Errorf("campaign: source %q has no offer text", name)
		}
		if camp.InitialAfter <= 0 || camp.ThankYouAfter <= 0 {
			return nil, eris.Errorf("campaign: source %q has non-positive thresholds", name)
		}
	}

	if cfg.Debug {
		for name, camp := range catalog {
			camp.InitialAfter = cfg.DebugInitialAfter
			camp.ThankYouAfter = cfg.DebugThankYouAfter
			catalog[name] = camp
		}
	}

	return catalog, nil
}

// catalogFileEntry is the YAML shape of one source in a catalog file.
// Durations are Go duration strings ("120h", "30s").
type catalogFileEntry struct {
	OfferText     string `yaml:"offer_text"`
	ThankYouText  string `yaml:"thank_you_text"`
	InitialAfter  string `yaml:"initial_after"`
	ThankYouAfter string `yaml:"thank_you_after"`
}

func loadCatalogFile(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "campaign: read catalog file %s", path)
	}

	var entries map[string]catalogFileEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, eris.Wrapf(err, "campaign: parse catalog file %s", path)
	}

	catalog := Catalog{}
	for name, entry := range entries {
		initialAfter, err := time.ParseDuration(entry.InitialAfter)
		if err != nil {
			return nil, eris.Wrapf(err, "campaign: source %q: parse initial_after", name)
		}
		thankYouAfter, err := time.ParseDuration(entry.ThankYouAfter)
		if err != nil {
			return nil, eris.Wrapf(err, "campaign: source %q: parse thank_you_after", name)
		}
		catalog[model.Source(name)] = SourceCampaign{
			OfferText:     entry.OfferText,
			ThankYouText:  entry.ThankYouText,
			InitialAfter:  initialAfter,
			ThankYouAfter: thankYouAfter,
		}
	}
	return catalog, nil
}
