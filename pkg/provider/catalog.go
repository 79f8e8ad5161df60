package provider

import (
	"fmt"
	"strings"
	"time"
)

// Generation categories known to the catalog.
const (
	CategoryImage = "image"
	CategoryVideo = "video"
	CategoryAudio = "audio"
	CategoryText  = "text"
)

const defaultDeadline = 180 * time.Second

// CategoryDeadline is the per-call deadline for a generation category. Fast
// modalities get short deadlines, slow ones long.
func CategoryDeadline(category string) time.Duration {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case CategoryImage:
		return 90 * time.Second
	case CategoryVideo:
		return 300 * time.Second
	case CategoryAudio:
		return 180 * time.Second
	case CategoryText:
		return 60 * time.Second
	}
	return defaultDeadline
}

// StaleAfter is how long a job in a category may sit without an outcome
// before the reaper fails it.
func StaleAfter(category string, grace time.Duration) time.Duration {
	return CategoryDeadline(category) + grace
}

// Model describes one dispatchable provider model and the input fields it
// accepts.
type Model struct {
	ID       string
	Category string
	Fields   []string
}

// Catalog is the set of models the client will dispatch to. Requests are
// validated against it before any transport call.
type Catalog struct {
	models map[string]Model
}

// NewCatalog validates and indexes the known models.
func NewCatalog(models ...Model) (*Catalog, error) {
	indexed := make(map[string]Model, len(models))
	for _, model := range models {
		if strings.TrimSpace(model.ID) == "" {
			return nil, fmt.Errorf("%w: model with empty id", ErrInvalidClientConfig)
		}
		if strings.TrimSpace(model.Category) == "" {
			return nil, fmt.Errorf("%w: model %s has no category", ErrInvalidClientConfig, model.ID)
		}
		if _, exists := indexed[model.ID]; exists {
			return nil, fmt.Errorf("%w: duplicate model id %s", ErrInvalidClientConfig, model.ID)
		}
		indexed[model.ID] = model
	}
	return &Catalog{models: indexed}, nil
}

// Lookup returns the catalog entry for a model id.
func (catalog *Catalog) Lookup(modelID string) (Model, bool) {
	model, found := catalog.models[modelID]
	return model, found
}

// ValidateInput rejects dispatches to unknown models and inputs carrying
// fields the model does not accept. A model listing no fields accepts any
// input document.
func (catalog *Catalog) ValidateInput(modelID string, input map[string]any) error {
	model, found := catalog.models[modelID]
	if !found {
		return fmt.Errorf("%w: unknown model %q", ErrValidation, modelID)
	}
	if len(model.Fields) == 0 {
		return nil
	}
	accepted := make(map[string]bool, len(model.Fields))
	for _, field := range model.Fields {
		accepted[field] = true
	}
	for field := range input {
		if !accepted[field] {
			return fmt.Errorf("%w: model %s does not accept field %q", ErrValidation, modelID, field)
		}
	}
	return nil
}
