package search

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ragline/ragline/internal/db"
)

const (
	maxACLEntries  = 100
	maxACLEntryLen = 100
)

// CollectionRef names one vector collection linked to a data source.
type CollectionRef struct {
	SourceID   string `json:"source_id"`
	Collection string `json:"collection"`
}

// Filters constrains a search. The struct is a closed contract: unknown
// fields are rejected at decode time so callers cannot inject arbitrary
// parameters into the underlying query.
type Filters struct {
	ConnectorID string             `json:"connector_id,omitempty"`
	Status      *db.DocumentStatus `json:"status,omitempty"`
	UserACL     []string           `json:"user_acl,omitempty"`
	Collections []CollectionRef    `json:"collections,omitempty"`
}

// DecodeFilters parses filters from JSON, rejecting unknown fields and
// normalizing bounds.
func DecodeFilters(raw []byte) (*Filters, error) {
	if len(raw) == 0 {
		return &Filters{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var f Filters
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode search filters: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate normalizes and bounds-checks the filters in place.
func (f *Filters) Validate() error {
	if f == nil {
		return nil
	}
	if len(f.UserACL) > maxACLEntries {
		return fmt.Errorf("user_acl exceeds %d entries", maxACLEntries)
	}
	trimmed := f.UserACL[:0]
	for _, e := range f.UserACL {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if len(e) > maxACLEntryLen {
			return fmt.Errorf("user_acl entry exceeds %d chars", maxACLEntryLen)
		}
		trimmed = append(trimmed, e)
	}
	f.UserACL = trimmed

	if f.Status != nil {
		switch *f.Status {
		case db.StatusPending, db.StatusIndexed, db.StatusFailed:
		default:
			return fmt.Errorf("unknown status filter %q", *f.Status)
		}
	}
	return nil
}

// vectorFilter renders the filters as Qdrant filter clauses.
func (f *Filters) vectorFilter() map[string]any {
	if f == nil {
		return nil
	}
	var must []map[string]any
	if f.ConnectorID != "" {
		must = append(must, map[string]any{
			"key":   "connector_id",
			"match": map[string]any{"value": f.ConnectorID},
		})
	}
	if len(f.UserACL) > 0 {
		must = append(must, map[string]any{
			"key":   "acl",
			"match": map[string]any{"any": f.UserACL},
		})
	}
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}
