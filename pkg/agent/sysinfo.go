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

package agent

import "github.com/shirou/gopsutil/v3/host"

// hostInfo collects host facts for the device meta document. Best-effort:
// returns nil when the platform probe fails.
func hostInfo() map[string]any {
	info, err := host.Info()
	if err != nil {
		return nil
	}

	return map[string]any{
		"platform":         info.Platform,
		"platform_version": info.PlatformVersion,
		"kernel_version":   info.KernelVersion,
		"uptime_s":         info.Uptime,
	}
}
