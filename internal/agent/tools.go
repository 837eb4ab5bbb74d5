package agent

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
)

const (
	toolListTables = "sql_db_list_tables"
	toolGetSchema  = "sql_db_schema"
	toolRunQuery   = "sql_db_query"
)

type schemaArgs struct {
	Tables []string `json:"tables" jsonschema_description:"Names of the tables to fetch the schema for"`
}

type queryArgs struct {
	Query string `json:"query" jsonschema_description:"A syntactically correct SQL query to execute"`
}

// GenerateSchema reflects a parameter struct into the JSON schema shape the
// chat completions API expects for tool definitions.
func GenerateSchema[T any]() openai.FunctionParameters {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	schema := reflector.Reflect(v)

	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("marshal tool schema: %v", err))
	}
	params := openai.FunctionParameters{}
	if err := json.Unmarshal(raw, &params); err != nil {
		panic(fmt.Sprintf("unmarshal tool schema: %v", err))
	}
	return params
}

func getSchemaTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: openai.F(openai.ChatCompletionToolTypeFunction),
		Function: openai.F(openai.FunctionDefinitionParam{
			Name:        openai.F(toolGetSchema),
			Description: openai.F("Fetch the schema and sample rows for the given tables."),
			Parameters:  openai.F(GenerateSchema[schemaArgs]()),
		}),
	}
}

func runQueryTool() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: openai.F(openai.ChatCompletionToolTypeFunction),
		Function: openai.F(openai.FunctionDefinitionParam{
			Name:        openai.F(toolRunQuery),
			Description: openai.F("Execute a read-only SQL query against the database and return the result rows."),
			Parameters:  openai.F(GenerateSchema[queryArgs]()),
		}),
	}
}

func forcedToolChoice(name string) openai.ChatCompletionToolChoiceOptionUnionParam {
	return openai.ChatCompletionNamedToolChoiceParam{
		Type: openai.F(openai.ChatCompletionNamedToolChoiceTypeFunction),
		Function: openai.F(openai.ChatCompletionNamedToolChoiceFunctionParam{
			Name: openai.F(name),
		}),
	}
}

// assistantToolCallMessage builds a synthetic assistant message carrying a
// single tool call, used when the loop invokes a tool without asking the
// model first.
func assistantToolCallMessage(callID, toolName, arguments string) openai.ChatCompletionAssistantMessageParam {
	return openai.ChatCompletionAssistantMessageParam{
		Role: openai.F(openai.ChatCompletionAssistantMessageParamRoleAssistant),
		ToolCalls: openai.F([]openai.ChatCompletionMessageToolCallParam{
			{
				ID:   openai.F(callID),
				Type: openai.F(openai.ChatCompletionMessageToolCallTypeFunction),
				Function: openai.F(openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      openai.F(toolName),
					Arguments: openai.F(arguments),
				}),
			},
		}),
	}
}

func toolResultMessage(callID, content string) openai.ChatCompletionToolMessageParam {
	return openai.ChatCompletionToolMessageParam{
		Role:       openai.F(openai.ChatCompletionToolMessageParamRoleTool),
		ToolCallID: openai.F(callID),
		Content: openai.F([]openai.ChatCompletionContentPartTextParam{
			{
				Type: openai.F(openai.ChatCompletionContentPartTextTypeText),
				Text: openai.F(content),
			},
		}),
	}
}

func parseQueryArgs(arguments string) (string, error) {
	var args queryArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("parse query arguments: %w", err)
	}
	if args.Query == "" {
		return "", fmt.Errorf("query argument is empty")
	}
	return args.Query, nil
}

func parseSchemaArgs(arguments string) ([]string, error) {
	var args schemaArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return nil, fmt.Errorf("parse schema arguments: %w", err)
	}
	if len(args.Tables) == 0 {
		return nil, fmt.Errorf("tables argument is empty")
	}
	return args.Tables, nil
}
