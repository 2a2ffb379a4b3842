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

package observability

// Span names and attribute keys shared by the instrumented packages.
const (
	AttrThreadID         = "thread.id"
	AttrUserID           = "user.id"
	AttrToolName         = "tool.name"
	AttrServerName       = "server.name"
	AttrErrorType        = "error.type"
	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"

	SpanHTTPRequest   = "http.request"
	SpanGraphRun      = "graph.run"
	SpanToolExecution = "graph.tool_execution"
	SpanMCPListTools  = "mcp.list_tools"
	SpanMCPCallTool   = "mcp.call_tool"
)
