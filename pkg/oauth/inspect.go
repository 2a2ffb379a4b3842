// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// HeaderProbe reports the initialize-request leg of an inspection.
type HeaderProbe struct {
	Status          string         `json:"status"`
	Details         string         `json:"details,omitempty"`
	HTTPStatus      int            `json:"http_status,omitempty"`
	WWWAuthenticate string         `json:"www_authenticate,omitempty"`
	MetadataURL     string         `json:"metadata_url,omitempty"`
	Data            map[string]any `json:"data,omitempty"`
}

// WellKnownProbe reports the well-known-document leg of an inspection.
type WellKnownProbe struct {
	Status       string                    `json:"status"`
	Details      string                    `json:"details,omitempty"`
	PathsChecked map[string]WellKnownEntry `json:"paths_checked,omitempty"`
}

// WellKnownEntry is the outcome for one candidate well-known path.
type WellKnownEntry struct {
	Found  bool           `json:"found"`
	Status int            `json:"status,omitempty"`
	Error  string         `json:"error,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// InspectReport is the full diagnostic for one server URL.
type InspectReport struct {
	ServerURL        string         `json:"server_url"`
	HeaderProbe      HeaderProbe    `json:"header_probe"`
	WellKnownProbe   WellKnownProbe `json:"well_known_probe"`
	DiscoveredConfig map[string]any `json:"discovered_config,omitempty"`
}

// Inspect probes every discovery avenue for serverURL and reports what it
// found, including raw metadata. Unlike Discover it never short-circuits:
// both probes always run so the report is complete.
func (d *Discoverer) Inspect(ctx context.Context, serverURL string) *InspectReport {
	report := &InspectReport{
		ServerURL:      serverURL,
		HeaderProbe:    HeaderProbe{Status: "skipped"},
		WellKnownProbe: WellKnownProbe{Status: "skipped"},
	}

	d.inspectHeader(ctx, serverURL, report)
	d.inspectWellKnown(ctx, serverURL, report)

	return report
}

func (d *Discoverer) inspectHeader(ctx context.Context, serverURL string, report *InspectReport) {
	status, wwwAuth, err := d.probeInitialize(ctx, serverURL, "inspector")
	if err != nil {
		report.HeaderProbe.Status = "error"
		report.HeaderProbe.Details = err.Error()
		return
	}
	report.HeaderProbe.HTTPStatus = status
	report.HeaderProbe.WWWAuthenticate = wwwAuth

	if status != http.StatusUnauthorized {
		report.HeaderProbe.Status = "failed"
		report.HeaderProbe.Details = fmt.Sprintf("Expected 401, got %d", status)
		return
	}
	if wwwAuth == "" {
		report.HeaderProbe.Status = "failed"
		report.HeaderProbe.Details = "401 received but no WWW-Authenticate header"
		return
	}

	report.HeaderProbe.Status = "found_header"
	_, params := ParseWWWAuthenticate(wwwAuth)
	metadataURL := params["resource_metadata"]
	if metadataURL == "" {
		return
	}
	report.HeaderProbe.MetadataURL = metadataURL

	data, err := d.fetchJSON(ctx, metadataURL)
	if err != nil {
		report.HeaderProbe.Details = fmt.Sprintf("Failed to fetch metadata URL: %v", err)
		return
	}
	report.HeaderProbe.Status = "success"
	report.HeaderProbe.Data = data
	report.DiscoveredConfig = map[string]any{
		"authorization_url": stringField(data, "authorization_endpoint"),
		"token_url":         stringField(data, "token_endpoint"),
	}
}

func (d *Discoverer) inspectWellKnown(ctx context.Context, serverURL string, report *InspectReport) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		report.WellKnownProbe.Status = "error"
		report.WellKnownProbe.Details = err.Error()
		return
	}
	base := parsed.Scheme + "://" + parsed.Host

	paths := []string{
		wellKnownOAuthServer,
		strings.TrimRight(parsed.Path, "/") + wellKnownOAuthServer,
		wellKnownOpenID,
	}

	checked := make(map[string]WellKnownEntry, len(paths))
	for _, path := range paths {
		data, err := d.fetchJSON(ctx, base+path)
		if err != nil {
			checked[path] = WellKnownEntry{Found: false, Error: err.Error()}
			continue
		}
		checked[path] = WellKnownEntry{Found: true, Data: data}

		if report.DiscoveredConfig == nil {
			report.DiscoveredConfig = map[string]any{
				"authorization_url":     stringField(data, "authorization_endpoint"),
				"token_url":             stringField(data, "token_endpoint"),
				"registration_endpoint": stringField(data, "registration_endpoint"),
			}
		} else if report.DiscoveredConfig["registration_endpoint"] == nil {
			report.DiscoveredConfig["registration_endpoint"] = stringField(data, "registration_endpoint")
		}
	}

	report.WellKnownProbe.PathsChecked = checked
	report.WellKnownProbe.Status = "completed"
}
