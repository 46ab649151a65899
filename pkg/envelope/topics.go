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

import "fmt"

// Root is the prefix of the lab topic namespace. All producers and consumers
// build topics through these helpers so the namespace stays consistent.
const Root = "/lab"

func DeviceMeta(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/meta", Root, deviceID)
}

func DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/status", Root, deviceID)
}

func DeviceCmd(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/cmd", Root, deviceID)
}

func DeviceEvt(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/evt", Root, deviceID)
}

func ModuleStatus(deviceID, module string) string {
	return fmt.Sprintf("%s/device/%s/%s/status", Root, deviceID, module)
}

func ModuleCmd(deviceID, module string) string {
	return fmt.Sprintf("%s/device/%s/%s/cmd", Root, deviceID, module)
}

func ModuleCfg(deviceID, module string) string {
	return fmt.Sprintf("%s/device/%s/%s/cfg", Root, deviceID, module)
}

func ModuleEvt(deviceID, module string) string {
	return fmt.Sprintf("%s/device/%s/%s/evt", Root, deviceID, module)
}

func OrchestratorCmd(plugin string) string {
	return fmt.Sprintf("%s/orchestrator/%s/cmd", Root, plugin)
}

func OrchestratorEvt(plugin string) string {
	return fmt.Sprintf("%s/orchestrator/%s/evt", Root, plugin)
}

func RegistrySnapshot() string {
	return Root + "/orchestrator/registry"
}

// Subscription filters for the orchestrator's passive registry feed.

func DeviceMetaFilter() string {
	return Root + "/device/+/meta"
}

func DeviceStatusFilter() string {
	return Root + "/device/+/status"
}
