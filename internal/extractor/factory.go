package extractor

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

// Factory creates chromedp extractors.
type Factory struct {
	Options Options
	Logger  *zap.Logger
}

// NewExtractor implements scraper.ExtractorFactory.
func (f Factory) NewExtractor(group scraper.GroupConfig, settings scraper.ScraperSettings) (scraper.Extractor, error) {
	if strings.TrimSpace(group.Name) == "" {
		return nil, fmt.Errorf("group name must not be empty")
	}
	return New(group, settings, f.Options, f.Logger), nil
}
