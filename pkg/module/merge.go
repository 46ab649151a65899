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

package module

// DeepMerge merges src into dst and returns dst. Where both sides hold a
// mapping for the same key the merge recurses; any other incoming value
// replaces the existing one wholesale.
func DeepMerge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if existing, ok := dst[k].(map[string]any); ok {
			if incoming, ok := v.(map[string]any); ok {
				DeepMerge(existing, incoming)
				continue
			}
		}

		dst[k] = v
	}

	return dst
}

// Float64 coerces a decoded config value to float64. JSON decodes numbers
// to float64 but YAML decodes whole numbers to int, so config consumers
// must accept both.
func Float64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
