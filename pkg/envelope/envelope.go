/*
 * Copyright 2026 Lablink Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package envelope defines the canonical command envelope and acknowledgment
// messages exchanged between orchestrator, apps, and device agents, plus the
// topic namespace they travel on.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrBadJSON marks payloads that are not well-formed JSON.
var ErrBadJSON = errors.New("bad_json")

// ErrNotObject marks well-formed JSON payloads whose top level is not an
// object.
var ErrNotObject = errors.New("bad_request:not_object")

// Envelope is the canonical command message. Params is always non-nil after
// validation.
type Envelope struct {
	ReqID      string         `json:"req_id"`
	Actor      string         `json:"actor,omitempty"`
	TS         string         `json:"ts"`
	Action     string         `json:"action"`
	Params     map[string]any `json:"params"`
	ReplyTo    string         `json:"reply_to,omitempty"`
	TTLSeconds int            `json:"ttl_s,omitempty"`
}

// New builds an envelope with a fresh req_id and current timestamp.
func New(actor, action string, params map[string]any) *Envelope {
	if params == nil {
		params = map[string]any{}
	}

	return &Envelope{
		ReqID:  uuid.NewString(),
		Actor:  actor,
		TS:     NowISO(),
		Action: action,
		Params: params,
	}
}

// Encode marshals the envelope as compact JSON.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ParseObject decodes raw bytes into a JSON object. Malformed JSON reports
// ErrBadJSON; well-formed non-object payloads report ErrNotObject.
func ParseObject(raw []byte) (map[string]any, error) {
	var v any

	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadJSON, err)
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}

	return obj, nil
}

// NowISO returns the current time in UTC ISO-8601 format with second
// resolution and a trailing 'Z'.
func NowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}
