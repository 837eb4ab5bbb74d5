// Package agent implements the bounded iterative query-refinement loop:
// list tables, fetch schema, then generate, check, and execute queries
// until the model answers in plain text or the step budget runs out.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/openai/openai-go"

	"github.com/tabletalk/tabletalk/internal/llm"
	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/source"
)

// ErrMaxSteps is returned when the generate/execute cycle exceeds the
// configured step budget without producing a final answer.
var ErrMaxSteps = errors.New("maximum query refinement steps exceeded")

type Options struct {
	Model       string
	Temperature float64
	MaxSteps    int
	RowLimit    int
	SampleRows  int
	Logger      *slog.Logger
}

type Agent struct {
	llm         llm.Client
	source      source.Source
	model       string
	temperature float64
	maxSteps    int
	rowLimit    int
	sampleRows  int
	logger      *slog.Logger
}

// Outcome is the result of one answered question.
type Outcome struct {
	Answer       string
	SQL          string
	Steps        int
	Conversation *Conversation
	Queries      []QueryRevision
}

func New(client llm.Client, src source.Source, opts Options) *Agent {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 10
	}
	if opts.RowLimit <= 0 {
		opts.RowLimit = 5
	}
	if opts.SampleRows <= 0 {
		opts.SampleRows = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Agent{
		llm:         client,
		source:      src,
		model:       opts.Model,
		temperature: opts.Temperature,
		maxSteps:    opts.MaxSteps,
		rowLimit:    opts.RowLimit,
		sampleRows:  opts.SampleRows,
		logger:      opts.Logger,
	}
}

// Run answers one question. The conversation is appended to, never
// rewritten; on a fresh conversation the table listing and schema fetch run
// exactly once before the first generation.
func (a *Agent) Run(ctx context.Context, question string, conv *Conversation) (Outcome, error) {
	start := time.Now()
	if conv == nil {
		conv = NewConversation()
	}
	conv.Add(openai.UserMessage(question))

	queries := NewQueryLog()
	if conv.Len() == 1 {
		// a failed bootstrap is rolled back entirely so the next question
		// on this conversation retries it from scratch
		if err := a.listTables(ctx, conv); err != nil {
			conv.rewind(0)
			observability.ObserveAgentRun("error", 0, time.Since(start))
			return Outcome{Conversation: conv}, err
		}
		if err := a.fetchSchema(ctx, conv); err != nil {
			conv.rewind(0)
			observability.ObserveAgentRun("error", 0, time.Since(start))
			return Outcome{Conversation: conv}, err
		}
	}

	steps := 0
	executedSQL := ""
	for {
		message, err := a.generate(ctx, conv)
		if err != nil {
			observability.ObserveAgentRun("error", steps, time.Since(start))
			return Outcome{Steps: steps, Conversation: conv, Queries: queries.All()}, err
		}

		if len(message.ToolCalls) == 0 {
			observability.ObserveAgentRun("answered", steps, time.Since(start))
			return Outcome{
				Answer:       message.Content,
				SQL:          executedSQL,
				Steps:        steps,
				Conversation: conv,
				Queries:      queries.All(),
			}, nil
		}

		// one query per step; extra tool calls still get a result so the
		// next model call sees a response for every request
		call := message.ToolCalls[0]
		for _, extra := range message.ToolCalls[1:] {
			conv.Add(toolResultMessage(extra.ID, "Ignored: only one query is executed per step."))
		}

		candidate, err := parseQueryArgs(call.Function.Arguments)
		if err != nil {
			conv.Add(toolResultMessage(call.ID, "Error: "+err.Error()))
			steps++
			if steps >= a.maxSteps {
				observability.ObserveAgentRun("max_steps", steps, time.Since(start))
				return Outcome{Steps: steps, Conversation: conv, Queries: queries.All()}, ErrMaxSteps
			}
			continue
		}
		queries.Record(call.ID, candidate, false)

		checked, err := a.check(ctx, candidate)
		if err != nil {
			// the tool call already sits in the conversation; answer it so
			// the message log stays replayable on the next question
			conv.Add(toolResultMessage(call.ID, "Error: the query could not be checked or executed."))
			observability.ObserveAgentRun("error", steps, time.Since(start))
			return Outcome{Steps: steps, Conversation: conv, Queries: queries.All()}, err
		}
		if checked == "" {
			a.logger.WarnContext(ctx, "query check returned no tool call, keeping candidate",
				slog.String("candidate", candidate))
		} else {
			queries.Record(call.ID, checked, true)
		}

		revision, _ := queries.Latest(call.ID)
		result, execErr := a.source.Query(ctx, revision.SQL)
		if execErr != nil {
			observability.IncrementQueryError()
			var notReadOnly *source.ErrNotReadOnly
			if errors.As(execErr, &notReadOnly) {
				observability.IncrementStatementRejected()
			}
			a.logger.InfoContext(ctx, "query execution failed",
				slog.String("sql", revision.SQL),
				slog.Any("error", execErr))
			conv.Add(toolResultMessage(call.ID, "Error: "+execErr.Error()))
		} else {
			executedSQL = revision.SQL
			conv.Add(toolResultMessage(call.ID, result.Render()))
		}

		steps++
		if steps >= a.maxSteps {
			observability.ObserveAgentRun("max_steps", steps, time.Since(start))
			return Outcome{Steps: steps, Conversation: conv, Queries: queries.All()}, ErrMaxSteps
		}
	}
}

// listTables invokes the table listing directly: a synthetic assistant tool
// call, its result, and a summary message the model can read.
func (a *Agent) listTables(ctx context.Context, conv *Conversation) error {
	tables, err := a.source.ListTables(ctx)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}

	callID := newCallID()
	conv.Add(
		assistantToolCallMessage(callID, toolListTables, "{}"),
		toolResultMessage(callID, strings.Join(tables, ", ")),
		openai.AssistantMessage("Available tables: "+strings.Join(tables, ", ")),
	)
	return nil
}

// fetchSchema asks the model which tables it needs, with the schema tool
// forced, then executes the lookup.
func (a *Agent) fetchSchema(ctx context.Context, conv *Conversation) error {
	params := a.baseParams(conv.All())
	params.Tools = openai.F([]openai.ChatCompletionToolParam{getSchemaTool()})
	params.ToolChoice = openai.F(forcedToolChoice(toolGetSchema))

	completion, err := a.llm.New(ctx, params)
	if err != nil {
		return err
	}
	message := completion.Choices[0].Message
	conv.Add(message)

	if len(message.ToolCalls) == 0 {
		a.logger.WarnContext(ctx, "schema fetch returned no tool call despite forced choice")
		return nil
	}
	for _, call := range message.ToolCalls {
		tables, err := parseSchemaArgs(call.Function.Arguments)
		if err != nil {
			conv.Add(toolResultMessage(call.ID, "Error: "+err.Error()))
			continue
		}
		description, err := a.source.DescribeTables(ctx, tables, a.sampleRows)
		if err != nil {
			conv.Add(toolResultMessage(call.ID, "Error: "+err.Error()))
			continue
		}
		conv.Add(toolResultMessage(call.ID, description))
	}
	return nil
}

// generate asks the model for either a query tool call or a final answer.
func (a *Agent) generate(ctx context.Context, conv *Conversation) (openai.ChatCompletionMessage, error) {
	system := openai.SystemMessage(generateSystemPrompt(a.source.Dialect(), a.rowLimit))
	messages := append([]openai.ChatCompletionMessageParamUnion{system}, conv.All()...)

	params := a.baseParams(messages)
	params.Tools = openai.F([]openai.ChatCompletionToolParam{runQueryTool()})

	completion, err := a.llm.New(ctx, params)
	if err != nil {
		return openai.ChatCompletionMessage{}, err
	}
	message := completion.Choices[0].Message
	conv.Add(message)
	return message, nil
}

// check reviews the candidate in a side exchange; the main conversation
// never sees the checker's messages.
func (a *Agent) check(ctx context.Context, candidate string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(checkSystemPrompt(a.source.Dialect())),
		openai.UserMessage(candidate),
	}

	params := a.baseParams(messages)
	params.Tools = openai.F([]openai.ChatCompletionToolParam{runQueryTool()})
	params.ToolChoice = openai.F(forcedToolChoice(toolRunQuery))

	completion, err := a.llm.New(ctx, params)
	if err != nil {
		return "", err
	}
	message := completion.Choices[0].Message
	if len(message.ToolCalls) == 0 {
		return "", nil
	}
	checked, err := parseQueryArgs(message.ToolCalls[0].Function.Arguments)
	if err != nil {
		a.logger.WarnContext(ctx, "query check produced unparsable arguments",
			slog.Any("error", err))
		return "", nil
	}
	return checked, nil
}

func (a *Agent) baseParams(messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Messages:    openai.F(messages),
		Model:       openai.F(a.model),
		Temperature: openai.F(a.temperature),
	}
}

func newCallID() string {
	return "call_" + gonanoid.Must()
}
