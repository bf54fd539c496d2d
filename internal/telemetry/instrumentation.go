// Copyright 2025 IBM Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ibmi-community/db2i-toolbox/internal/telemetry"

// Instrumentation bundles the tracer and the custom metrics for tool
// invocations. It is created once at startup and handed to the server and
// the session manager.
type Instrumentation struct {
	Tracer trace.Tracer

	// ToolInvokeCounter counts tool invocations, tagged with tool name and
	// outcome.
	ToolInvokeCounter metric.Int64Counter
	// ToolInvokeDuration records invocation latency in milliseconds.
	ToolInvokeDuration metric.Int64Histogram
	// AuthSessionGauge tracks the number of live authenticated sessions.
	AuthSessionGauge metric.Int64UpDownCounter
}

// CreateTelemetryInstrumentation builds the tracer and custom metrics.
func CreateTelemetryInstrumentation(versionString string) (*Instrumentation, error) {
	tracer := otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(versionString))
	meter := otel.Meter(instrumentationName, metric.WithInstrumentationVersion(versionString))

	invokeCounter, err := meter.Int64Counter(
		"db2i_toolbox.tool.invoke.count",
		metric.WithDescription("Number of tool invocations."),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create invoke counter: %w", err)
	}

	invokeDuration, err := meter.Int64Histogram(
		"db2i_toolbox.tool.invoke.duration",
		metric.WithDescription("Tool invocation latency."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create invoke histogram: %w", err)
	}

	sessionGauge, err := meter.Int64UpDownCounter(
		"db2i_toolbox.auth.sessions.active",
		metric.WithDescription("Number of active authenticated sessions."),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create session gauge: %w", err)
	}

	return &Instrumentation{
		Tracer:             tracer,
		ToolInvokeCounter:  invokeCounter,
		ToolInvokeDuration: invokeDuration,
		AuthSessionGauge:   sessionGauge,
	}, nil
}
