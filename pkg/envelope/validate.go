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

package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// DefaultParamsLimit is the ceiling on the serialized size of params.
const DefaultParamsLimit = 16384

// Validation failure reasons, carried verbatim into the ack error field.
const (
	ReasonMissingAction   = "bad_request:missing_action"
	ReasonActorNotAllowed = "bad_request:actor_not_allowed"
	ReasonParamsNotObject = "bad_request:params_not_object"
	ReasonParamsTooLarge  = "bad_request:params_too_large"
)

// allowedActors enumerates the actor identities producers may claim.
// An absent actor is accepted.
var allowedActors = map[string]struct{}{
	"orchestrator": {},
	"app":          {},
	"user":         {},
	"test":         {},
	"api":          {},
}

// ValidationError reports why an envelope failed validation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Validator checks decoded command objects against the envelope contract.
type Validator struct {
	// ParamsLimit caps the serialized params size in bytes.
	// Zero means DefaultParamsLimit.
	ParamsLimit int
}

// Limit returns the effective params size ceiling in bytes.
func (v *Validator) Limit() int {
	if v.ParamsLimit > 0 {
		return v.ParamsLimit
	}

	return DefaultParamsLimit
}

// Validate checks a decoded command object and, on success, returns the typed
// envelope. The only mutations are normalization: a missing req_id or ts is
// synthesized into the object, so re-validating the same object is a no-op.
func (v *Validator) Validate(obj map[string]any) (*Envelope, error) {
	action, _ := obj["action"].(string)
	if action == "" {
		return nil, &ValidationError{Reason: ReasonMissingAction}
	}

	actor, _ := obj["actor"].(string)
	if actor != "" {
		if _, ok := allowedActors[actor]; !ok {
			return nil, &ValidationError{Reason: fmt.Sprintf("%s:%s", ReasonActorNotAllowed, actor)}
		}
	}

	params := map[string]any{}

	if raw, present := obj["params"]; present && raw != nil {
		typed, ok := raw.(map[string]any)
		if !ok {
			return nil, &ValidationError{Reason: ReasonParamsNotObject}
		}

		params = typed
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		return nil, &ValidationError{Reason: ReasonParamsNotObject}
	}

	if len(encoded) > v.Limit() {
		return nil, &ValidationError{Reason: ReasonParamsTooLarge}
	}

	reqID, _ := obj["req_id"].(string)
	if reqID == "" {
		reqID = uuid.NewString()
		obj["req_id"] = reqID
	}

	ts, _ := obj["ts"].(string)
	if ts == "" {
		ts = NowISO()
		obj["ts"] = ts
	}

	env := &Envelope{
		ReqID:  reqID,
		Actor:  actor,
		TS:     ts,
		Action: action,
		Params: params,
	}

	if replyTo, ok := obj["reply_to"].(string); ok {
		env.ReplyTo = replyTo
	}

	if ttl, ok := obj["ttl_s"].(float64); ok {
		env.TTLSeconds = int(ttl)
	}

	return env, nil
}
