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

import "encoding/json"

// Code classifies the outcome of a command.
type Code string

const (
	CodeOK          Code = "OK"
	CodeError       Code = "ERROR"
	CodeBadJSON     Code = "BAD_JSON"
	CodeBadRequest  Code = "BAD_REQUEST"
	CodeDeviceError Code = "DEVICE_ERROR"
	CodeModuleError Code = "MODULE_ERROR"
	CodeException   Code = "EXCEPTION"
	CodeInUse       Code = "IN_USE"
	CodeNotOwner    Code = "NOT_OWNER"
	CodeBadAction   Code = "BAD_ACTION"
	CodeDispatched  Code = "DISPATCHED"
	CodeScheduled   Code = "SCHEDULED"
)

// Ack is the response message correlated to an envelope by req_id.
// OK == true always carries code OK.
type Ack struct {
	ReqID   string         `json:"req_id"`
	OK      bool           `json:"ok"`
	Code    Code           `json:"code"`
	Action  string         `json:"action"`
	Actor   string         `json:"actor,omitempty"`
	TS      string         `json:"ts"`
	Error   *string        `json:"error"`
	Details map[string]any `json:"details"`
}

// NewAck builds a standardized acknowledgment. A successful ack is forced to
// code OK regardless of the supplied code; a failed ack with no code becomes
// ERROR. Details is never nil.
func NewAck(reqID string, ok bool, action, actor string, code Code, errMsg string, details map[string]any) *Ack {
	if ok {
		code = CodeOK
	} else if code == "" {
		code = CodeError
	}

	if details == nil {
		details = map[string]any{}
	}

	var errField *string
	if errMsg != "" {
		errField = &errMsg
	}

	return &Ack{
		ReqID:   reqID,
		OK:      ok,
		Code:    code,
		Action:  action,
		Actor:   actor,
		TS:      NowISO(),
		Error:   errField,
		Details: details,
	}
}

// Encode marshals the ack as compact JSON.
func (a *Ack) Encode() ([]byte, error) {
	return json.Marshal(a)
}
