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

package graph

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/argus/pkg/observability"
)

func startRunSpan(ctx context.Context, threadID, userID string) (context.Context, trace.Span) {
	tracer := observability.GetTracer("argus.graph")

	return tracer.Start(ctx, observability.SpanGraphRun,
		trace.WithAttributes(
			attribute.String(observability.AttrThreadID, threadID),
			attribute.String(observability.AttrUserID, userID),
		),
	)
}

func startToolSpan(ctx context.Context, toolName string) (context.Context, trace.Span) {
	tracer := observability.GetTracer("argus.graph")

	return tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, toolName),
		),
	)
}

func recordToolMetrics(toolName string, err error) {
	observability.GetGlobalMetrics().RecordToolExecution(toolName, err)
}
