// cimcconf is a CIMC configuration broker.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"cimcconf/internal/database"
)

// failure is the document printed when a call fails.
type failure struct {
	Failed bool   `json:"failed" yaml:"failed"`
	Msg    string `json:"msg" yaml:"msg"`
}

type historyEntry struct {
	ID            string `json:"id" yaml:"id"`
	CorrelationID string `json:"correlation_id" yaml:"correlation_id"`
	Host          string `json:"host" yaml:"host"`
	Resource      string `json:"resource" yaml:"resource"`
	Task          string `json:"task" yaml:"task"`
	Config        string `json:"config,omitempty" yaml:"config,omitempty"`
	Changed       bool   `json:"changed" yaml:"changed"`
	Result        string `json:"result" yaml:"result"`
	Error         string `json:"error,omitempty" yaml:"error,omitempty"`
	DurationMS    int64  `json:"duration_ms" yaml:"duration_ms"`
	CreatedAt     string `json:"created_at" yaml:"created_at"`
}

func newHistoryEntry(inv database.Invocation) historyEntry {
	return historyEntry{
		ID:            inv.ID,
		CorrelationID: inv.CorrelationID,
		Host:          inv.Host,
		Resource:      inv.Resource,
		Task:          inv.Task,
		Config:        inv.Config,
		Changed:       inv.Changed,
		Result:        inv.Result,
		Error:         inv.Error,
		DurationMS:    inv.DurationMS,
		CreatedAt:     inv.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// writeDocument renders v as indented JSON or as YAML.
func writeDocument(w io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
