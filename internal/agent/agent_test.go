package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/openai/openai-go"

	"github.com/tabletalk/tabletalk/internal/source"
)

type scriptedLLM struct {
	responses []openai.ChatCompletionMessage
	calls     []openai.ChatCompletionNewParams
	err       error
	failAt    int // 1-based call number that fails with failErr
	failErr   error
}

func (s *scriptedLLM) New(_ context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	s.calls = append(s.calls, params)
	if s.err != nil {
		return nil, s.err
	}
	if s.failErr != nil && len(s.calls) == s.failAt {
		return nil, s.failErr
	}
	if len(s.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: next}},
	}, nil
}

type fakeSource struct {
	tables    []string
	schema    string
	results   map[string]source.Rows
	queryErrs map[string]error
	listCalls int
	descCalls int
	executed  []string
	closed    bool
}

func (f *fakeSource) Dialect() string { return source.DialectSQLite }

func (f *fakeSource) ListTables(context.Context) ([]string, error) {
	f.listCalls++
	return f.tables, nil
}

func (f *fakeSource) DescribeTables(_ context.Context, names []string, _ int) (string, error) {
	f.descCalls++
	for _, name := range names {
		found := false
		for _, table := range f.tables {
			if table == name {
				found = true
			}
		}
		if !found {
			return "", fmt.Errorf("unknown table %q", name)
		}
	}
	return f.schema, nil
}

func (f *fakeSource) Query(_ context.Context, sqlText string) (source.Rows, error) {
	if err := source.EnsureReadOnly(sqlText); err != nil {
		return source.Rows{}, err
	}
	f.executed = append(f.executed, sqlText)
	if err, ok := f.queryErrs[sqlText]; ok {
		return source.Rows{}, err
	}
	if rows, ok := f.results[sqlText]; ok {
		return rows, nil
	}
	return source.Rows{Columns: []string{"n"}, Rows: [][]any{{int64(1)}}}, nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

func textMessage(content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatCompletionMessageRoleAssistant, Content: content}
}

func queryToolCall(callID, sqlText string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role: openai.ChatCompletionMessageRoleAssistant,
		ToolCalls: []openai.ChatCompletionMessageToolCall{{
			ID:   callID,
			Type: openai.ChatCompletionMessageToolCallTypeFunction,
			Function: openai.ChatCompletionMessageToolCallFunction{
				Name:      toolRunQuery,
				Arguments: fmt.Sprintf(`{"query": %q}`, sqlText),
			},
		}},
	}
}

func schemaToolCall(callID string, tables ...string) openai.ChatCompletionMessage {
	quoted := make([]string, len(tables))
	for i, t := range tables {
		quoted[i] = fmt.Sprintf("%q", t)
	}
	return openai.ChatCompletionMessage{
		Role: openai.ChatCompletionMessageRoleAssistant,
		ToolCalls: []openai.ChatCompletionMessageToolCall{{
			ID:   callID,
			Type: openai.ChatCompletionMessageToolCallTypeFunction,
			Function: openai.ChatCompletionMessageToolCallFunction{
				Name:      toolGetSchema,
				Arguments: fmt.Sprintf(`{"tables": [%s]}`, strings.Join(quoted, ", ")),
			},
		}},
	}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		tables: []string{"customers", "orders"},
		schema: "CREATE TABLE orders (id INTEGER, total REAL)",
	}
}

func TestRunAnswersAfterOneQuery(t *testing.T) {
	src := newFakeSource()
	model := &scriptedLLM{responses: []openai.ChatCompletionMessage{
		schemaToolCall("call_schema", "orders"),
		queryToolCall("call_1", "SELECT count(*) FROM orders"),
		queryToolCall("call_check_1", "SELECT count(*) FROM orders"),
		textMessage("There are 42 orders."),
	}}

	agent := New(model, src, Options{Model: "gpt-4o"})
	outcome, err := agent.Run(context.Background(), "How many orders are there?", NewConversation())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Answer != "There are 42 orders." {
		t.Fatalf("answer = %q", outcome.Answer)
	}
	if outcome.SQL != "SELECT count(*) FROM orders" {
		t.Fatalf("sql = %q", outcome.SQL)
	}
	if outcome.Steps != 1 {
		t.Fatalf("steps = %d, want 1", outcome.Steps)
	}
	if src.listCalls != 1 || src.descCalls != 1 {
		t.Fatalf("listCalls=%d descCalls=%d, want 1 each", src.listCalls, src.descCalls)
	}
	if len(src.executed) != 1 {
		t.Fatalf("executed %d queries, want 1", len(src.executed))
	}
}

func TestRunBootstrapPrecedesFirstGeneration(t *testing.T) {
	src := newFakeSource()
	model := &scriptedLLM{responses: []openai.ChatCompletionMessage{
		schemaToolCall("call_schema", "orders"),
		textMessage("The tables are customers and orders."),
	}}

	agent := New(model, src, Options{Model: "gpt-4o"})
	outcome, err := agent.Run(context.Background(), "What tables exist?", NewConversation())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Steps != 0 {
		t.Fatalf("steps = %d, want 0", outcome.Steps)
	}

	// The first model call must be the forced schema fetch, and by then the
	// table listing must already have run.
	if len(model.calls) < 1 {
		t.Fatal("no model calls recorded")
	}
	first := model.calls[0]
	tools := first.Tools.Value
	if len(tools) != 1 || tools[0].Function.Value.Name.Value != toolGetSchema {
		t.Fatalf("first call tools = %+v, want forced %s", tools, toolGetSchema)
	}
	if src.listCalls != 1 {
		t.Fatalf("listCalls = %d before first generation, want 1", src.listCalls)
	}
}

func TestRunTableSummaryNamesEachTableOnce(t *testing.T) {
	src := newFakeSource()
	model := &scriptedLLM{responses: []openai.ChatCompletionMessage{
		schemaToolCall("call_schema", "orders"),
		textMessage("done"),
	}}

	agent := New(model, src, Options{Model: "gpt-4o"})
	conv := NewConversation()
	if _, err := agent.Run(context.Background(), "q", conv); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// conversation: user, assistant tool call, tool result, summary, ...
	messages := conv.All()
	if len(messages) < 4 {
		t.Fatalf("conversation too short: %d messages", len(messages))
	}
	summary, ok := messages[3].(openai.ChatCompletionAssistantMessageParam)
	if !ok {
		t.Fatalf("message 3 is %T, want assistant summary", messages[3])
	}
	var text strings.Builder
	for _, part := range summary.Content.Value {
		if textPart, ok := part.(openai.ChatCompletionContentPartTextParam); ok {
			text.WriteString(textPart.Text.Value)
		}
	}
	if got := text.String(); got != "Available tables: customers, orders" {
		t.Fatalf("summary = %q", got)
	}
}

func TestRunUsesCheckedQueryUnderSameCallID(t *testing.T) {
	src := newFakeSource()
	model := &scriptedLLM{responses: []openai.ChatCompletionMessage{
		schemaToolCall("call_schema", "orders"),
		queryToolCall("call_1", "SELECT totl FROM orders"),
		queryToolCall("call_check_1", "SELECT total FROM orders"),
		textMessage("ok"),
	}}

	agent := New(model, src, Options{Model: "gpt-4o"})
	outcome, err := agent.Run(context.Background(), "q", NewConversation())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := src.executed[0]; got != "SELECT total FROM orders" {
		t.Fatalf("executed %q, want corrected query", got)
	}
	if len(outcome.Queries) != 2 {
		t.Fatalf("query log has %d revisions, want 2", len(outcome.Queries))
	}
	for _, rev := range outcome.Queries {
		if rev.CallID != "call_1" {
			t.Fatalf("revision call ID = %q, want call_1", rev.CallID)
		}
	}
	if !outcome.Queries[1].Checked {
		t.Fatal("latest revision not marked checked")
	}

	// model calls: schema fetch, generate, check, generate. The check is a
	// side exchange: checklist system message plus the candidate SQL, with
	// the query tool forced.
	if len(model.calls) != 4 {
		t.Fatalf("model calls = %d, want 4", len(model.calls))
	}
	check := model.calls[2]
	if len(check.Messages.Value) != 2 {
		t.Fatalf("check exchange has %d messages, want 2", len(check.Messages.Value))
	}
	if check.ToolChoice.Value == nil {
		t.Fatal("check exchange did not force the query tool")
	}
	user, ok := check.Messages.Value[1].(openai.ChatCompletionUserMessageParam)
	if !ok {
		t.Fatalf("check message 1 is %T, want user message", check.Messages.Value[1])
	}
	var candidate strings.Builder
	for _, part := range user.Content.Value {
		if textPart, ok := part.(openai.ChatCompletionContentPartTextParam); ok {
			candidate.WriteString(textPart.Text.Value)
		}
	}
	if candidate.String() != "SELECT totl FROM orders" {
		t.Fatalf("checker saw %q, want the candidate query", candidate.String())
	}
}

func TestRunRejectsMutationWithoutExecuting(t *testing.T) {
	src := newFakeSource()
	model := &scriptedLLM{responses: []openai.ChatCompletionMessage{
		schemaToolCall("call_schema", "orders"),
		queryToolCall("call_1", "DELETE FROM orders"),
		queryToolCall("call_check_1", "DELETE FROM orders"),
		queryToolCall("call_2", "SELECT count(*) FROM orders"),
		queryToolCall("call_check_2", "SELECT count(*) FROM orders"),
		textMessage("There are 42 orders."),
	}}

	agent := New(model, src, Options{Model: "gpt-4o"})
	outcome, err := agent.Run(context.Background(), "q", NewConversation())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(src.executed) != 1 || src.executed[0] != "SELECT count(*) FROM orders" {
		t.Fatalf("executed = %v, want only the select", src.executed)
	}
	if outcome.Steps != 2 {
		t.Fatalf("steps = %d, want 2", outcome.Steps)
	}
}

func TestRunFeedsExecutionErrorBackToModel(t *testing.T) {
	src := newFakeSource()
	src.queryErrs = map[string]error{
		"SELECT nope FROM orders": errors.New("no such column: nope"),
	}
	model := &scriptedLLM{responses: []openai.ChatCompletionMessage{
		schemaToolCall("call_schema", "orders"),
		queryToolCall("call_1", "SELECT nope FROM orders"),
		queryToolCall("call_check_1", "SELECT nope FROM orders"),
		queryToolCall("call_2", "SELECT total FROM orders"),
		queryToolCall("call_check_2", "SELECT total FROM orders"),
		textMessage("fixed"),
	}}

	agent := New(model, src, Options{Model: "gpt-4o"})
	outcome, err := agent.Run(context.Background(), "q", NewConversation())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Answer != "fixed" {
		t.Fatalf("answer = %q", outcome.Answer)
	}
	if outcome.SQL != "SELECT total FROM orders" {
		t.Fatalf("sql = %q, want the query that succeeded", outcome.SQL)
	}

	// the error text must have been delivered as a tool result
	found := false
	for _, msg := range outcome.Conversation.All() {
		tool, ok := msg.(openai.ChatCompletionToolMessageParam)
		if !ok {
			continue
		}
		if strings.Contains(tool.Content.Value[0].Text.Value, "no such column") {
			found = true
		}
	}
	if !found {
		t.Fatal("execution error never fed back to model")
	}
}

func TestRunStopsAtMaxSteps(t *testing.T) {
	src := newFakeSource()
	var responses []openai.ChatCompletionMessage
	responses = append(responses, schemaToolCall("call_schema", "orders"))
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("call_%d", i)
		responses = append(responses,
			queryToolCall(id, "SELECT 1"),
			queryToolCall(id+"_check", "SELECT 1"),
		)
	}

	model := &scriptedLLM{responses: responses}
	agent := New(model, src, Options{Model: "gpt-4o", MaxSteps: 3})
	outcome, err := agent.Run(context.Background(), "q", NewConversation())
	if !errors.Is(err, ErrMaxSteps) {
		t.Fatalf("err = %v, want ErrMaxSteps", err)
	}
	if outcome.Steps != 3 {
		t.Fatalf("steps = %d, want 3", outcome.Steps)
	}
	if outcome.Conversation == nil || outcome.Conversation.Len() == 0 {
		t.Fatal("conversation not preserved on max steps")
	}
}

func TestRunSkipsBootstrapOnResumedConversation(t *testing.T) {
	src := newFakeSource()
	model := &scriptedLLM{responses: []openai.ChatCompletionMessage{
		schemaToolCall("call_schema", "orders"),
		textMessage("first answer"),
		textMessage("second answer"),
	}}

	agent := New(model, src, Options{Model: "gpt-4o"})
	conv := NewConversation()
	if _, err := agent.Run(context.Background(), "first", conv); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	outcome, err := agent.Run(context.Background(), "second", conv)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if outcome.Answer != "second answer" {
		t.Fatalf("answer = %q", outcome.Answer)
	}
	if src.listCalls != 1 || src.descCalls != 1 {
		t.Fatalf("bootstrap repeated: listCalls=%d descCalls=%d", src.listCalls, src.descCalls)
	}
}

// danglingToolCalls returns the IDs of tool-call requests in the
// conversation that have no matching tool result.
func danglingToolCalls(conv *Conversation) []string {
	answered := make(map[string]bool)
	var requested []string
	for _, msg := range conv.All() {
		switch m := msg.(type) {
		case openai.ChatCompletionMessage:
			for _, call := range m.ToolCalls {
				requested = append(requested, call.ID)
			}
		case openai.ChatCompletionAssistantMessageParam:
			for _, call := range m.ToolCalls.Value {
				requested = append(requested, call.ID.Value)
			}
		case openai.ChatCompletionToolMessageParam:
			answered[m.ToolCallID.Value] = true
		}
	}
	var dangling []string
	for _, id := range requested {
		if !answered[id] {
			dangling = append(dangling, id)
		}
	}
	return dangling
}

func TestRunCheckFailureLeavesNoDanglingToolCall(t *testing.T) {
	src := newFakeSource()
	model := &scriptedLLM{
		responses: []openai.ChatCompletionMessage{
			schemaToolCall("call_schema", "orders"),
			queryToolCall("call_1", "SELECT count(*) FROM orders"),
			// call 3 is the check exchange and fails
			textMessage("recovered answer"),
		},
		failAt:  3,
		failErr: errors.New("upstream down"),
	}

	agent := New(model, src, Options{Model: "gpt-4o"})
	conv := NewConversation()
	if _, err := agent.Run(context.Background(), "q", conv); err == nil {
		t.Fatal("Run succeeded despite check failure")
	}

	if dangling := danglingToolCalls(conv); len(dangling) != 0 {
		t.Fatalf("dangling tool calls after failed run: %v", dangling)
	}
	if len(src.executed) != 0 {
		t.Fatalf("executed = %v, want nothing", src.executed)
	}

	// the session's conversation must remain usable
	outcome, err := agent.Run(context.Background(), "try again", conv)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if outcome.Answer != "recovered answer" {
		t.Fatalf("answer = %q", outcome.Answer)
	}
}

func TestRunBootstrapFailureRetriesOnNextQuestion(t *testing.T) {
	src := newFakeSource()
	model := &scriptedLLM{
		responses: []openai.ChatCompletionMessage{
			schemaToolCall("call_schema", "orders"),
			textMessage("answer"),
		},
		failAt:  1, // the schema fetch on the first question
		failErr: errors.New("upstream down"),
	}

	agent := New(model, src, Options{Model: "gpt-4o"})
	conv := NewConversation()
	if _, err := agent.Run(context.Background(), "first", conv); err == nil {
		t.Fatal("Run succeeded despite schema fetch failure")
	}
	if conv.Len() != 0 {
		t.Fatalf("conversation has %d messages after failed bootstrap, want 0", conv.Len())
	}

	outcome, err := agent.Run(context.Background(), "second", conv)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if outcome.Answer != "answer" {
		t.Fatalf("answer = %q", outcome.Answer)
	}
	if src.listCalls != 2 || src.descCalls != 1 {
		t.Fatalf("listCalls=%d descCalls=%d, want bootstrap retried", src.listCalls, src.descCalls)
	}
}

func TestRunKeepsCandidateWhenCheckReturnsNoToolCall(t *testing.T) {
	src := newFakeSource()
	model := &scriptedLLM{responses: []openai.ChatCompletionMessage{
		schemaToolCall("call_schema", "orders"),
		queryToolCall("call_1", "SELECT count(*) FROM orders"),
		textMessage("the query looks fine"), // check response without a tool call
		textMessage("done"),
	}}

	agent := New(model, src, Options{Model: "gpt-4o"})
	outcome, err := agent.Run(context.Background(), "q", NewConversation())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(src.executed) != 1 || src.executed[0] != "SELECT count(*) FROM orders" {
		t.Fatalf("executed = %v, want the unchecked candidate", src.executed)
	}
	if len(outcome.Queries) != 1 {
		t.Fatalf("query log has %d revisions, want 1", len(outcome.Queries))
	}
	if outcome.Queries[0].Checked {
		t.Fatal("skipped check recorded a checked revision")
	}
}

func TestRunToolSequenceIsDeterministic(t *testing.T) {
	script := func() []openai.ChatCompletionMessage {
		return []openai.ChatCompletionMessage{
			schemaToolCall("call_schema", "orders"),
			queryToolCall("call_1", "SELECT nope FROM orders"),
			queryToolCall("call_check_1", "SELECT nope FROM orders"),
			queryToolCall("call_2", "SELECT total FROM orders"),
			queryToolCall("call_check_2", "SELECT total FROM orders"),
			textMessage("done"),
		}
	}

	run := func() ([]string, int) {
		src := newFakeSource()
		src.queryErrs = map[string]error{
			"SELECT nope FROM orders": errors.New("no such column: nope"),
		}
		model := &scriptedLLM{responses: script()}
		agent := New(model, src, Options{Model: "gpt-4o"})
		if _, err := agent.Run(context.Background(), "q", NewConversation()); err != nil {
			t.Fatalf("Run: %v", err)
		}
		return src.executed, len(model.calls)
	}

	firstExec, firstCalls := run()
	secondExec, secondCalls := run()
	if firstCalls != secondCalls {
		t.Fatalf("model calls differ: %d vs %d", firstCalls, secondCalls)
	}
	if len(firstExec) != len(secondExec) {
		t.Fatalf("executed counts differ: %v vs %v", firstExec, secondExec)
	}
	for i := range firstExec {
		if firstExec[i] != secondExec[i] {
			t.Fatalf("executed[%d] = %q vs %q", i, firstExec[i], secondExec[i])
		}
	}
}

func TestRunPropagatesModelError(t *testing.T) {
	src := newFakeSource()
	model := &scriptedLLM{err: errors.New("upstream down")}

	agent := New(model, src, Options{Model: "gpt-4o"})
	_, err := agent.Run(context.Background(), "q", NewConversation())
	if err == nil || !strings.Contains(err.Error(), "upstream down") {
		t.Fatalf("err = %v, want model error", err)
	}
}
