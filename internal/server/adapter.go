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
package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ibmi-community/db2i-toolbox/internal/tools"
	"github.com/ibmi-community/db2i-toolbox/internal/util"
)

// mcpTool renders a compiled tool as an MCP tool declaration: input schema
// from the parameter model, annotations from the capability hints, toolset
// membership and custom metadata in the meta block.
func mcpTool(ct *tools.CompiledTool) mcp.Tool {
	props, required := ct.Parameters.McpSchema()

	meta := map[string]any{}
	if len(ct.Toolsets) > 0 {
		meta["toolsets"] = ct.Toolsets
	}
	if ct.Domain != "" {
		meta["domain"] = ct.Domain
	}
	if ct.Category != "" {
		meta["category"] = ct.Category
	}
	for k, v := range ct.Metadata {
		meta[k] = v
	}

	t := mcp.Tool{
		Name:        ct.Name,
		Description: ct.Description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   required,
		},
		Annotations: mcp.ToolAnnotation{
			Title:           ct.Title,
			ReadOnlyHint:    boolPtr(ct.Hints.ReadOnly),
			DestructiveHint: boolPtr(ct.Hints.Destructive),
			IdempotentHint:  boolPtr(ct.Hints.Idempotent),
			OpenWorldHint:   boolPtr(ct.Hints.OpenWorld),
		},
	}
	if len(meta) > 0 {
		t.Meta = &mcp.Meta{AdditionalFields: meta}
	}
	return t
}

// toolHandler wraps one invocation: per-request context, timing, metrics,
// and the uniform result envelope. Internal errors never bubble to the
// dispatch runtime as protocol errors; they become is_error results.
func (s *Server) toolHandler(ct *tools.CompiledTool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		requestID := uuid.NewString()
		ctx = util.WithRequestID(ctx, requestID)
		if _, err := util.LoggerFromContext(ctx); err != nil {
			// stdio transport contexts arrive bare.
			ctx = util.WithLogger(ctx, s.logger)
		}

		// Arguments decoded with UseNumber carry json.Number values; fold
		// them to int64/float64 before type checking.
		args := request.GetArguments()
		if _, err := util.ConvertNumbers(args); err != nil {
			return errorResult(util.ValidationErrorf("invalid argument payload: %v", err), requestID), nil
		}

		start := time.Now()
		result, err := s.invoke(ctx, ct, args)
		elapsed := time.Since(start)

		status := "ok"
		if err != nil {
			status = string(util.KindOf(err))
		}
		if s.instr != nil {
			attrs := metric.WithAttributes(
				attribute.String("tool", ct.Name),
				attribute.String("status", status),
			)
			s.instr.ToolInvokeCounter.Add(ctx, 1, attrs)
			s.instr.ToolInvokeDuration.Record(ctx, elapsed.Milliseconds(), attrs)
		}

		if err != nil {
			s.logger.WarnContext(ctx, "tool invocation failed",
				"tool", ct.Name,
				"requestId", requestID,
				"kind", string(util.KindOf(err)),
				"error", err.Error(),
			)
			return errorResult(err, requestID), nil
		}

		s.logger.DebugContext(ctx, "tool invocation finished",
			"tool", ct.Name,
			"requestId", requestID,
			"durationMs", elapsed.Milliseconds(),
		)
		return &mcp.CallToolResult{
			Content:           []mcp.Content{mcp.NewTextContent(result.MarkdownTable(tools.MarkdownRowLimit))},
			StructuredContent: result,
		}, nil
	}
}

// invoke runs the compiled tool inside a tracing span.
func (s *Server) invoke(ctx context.Context, ct *tools.CompiledTool, args map[string]any) (*tools.InvocationResult, error) {
	if s.instr != nil {
		spanCtx, span := s.instr.Tracer.Start(ctx, "tools/"+ct.Name)
		defer span.End()
		ctx = spanCtx
	}
	return ct.Invoke(ctx, s.exec, args)
}

// errorResult shapes a failed invocation as the uniform envelope: is_error
// plus a structured body carrying the kind, message, and violation details.
func errorResult(err error, requestID string) *mcp.CallToolResult {
	kind := util.KindOf(err)
	result := &tools.InvocationResult{
		Success: false,
		Error:   err.Error(),
		Metadata: map[string]any{
			"requestId": requestID,
			"errorKind": string(kind),
		},
	}
	if details := util.DetailsOf(err); len(details) > 0 {
		result.Metadata["violations"] = details
	}
	return &mcp.CallToolResult{
		IsError:           true,
		Content:           []mcp.Content{mcp.NewTextContent(result.MarkdownTable(0))},
		StructuredContent: result,
	}
}

func boolPtr(b bool) *bool { return &b }
