package tools

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLQueryTool runs read-only queries against the database bound at
// registration and renders the result set as tab-separated text.
type SQLQueryTool struct {
	db      *sql.DB
	maxRows int
}

type sqlQueryArgs struct {
	Query string `json:"query" jsonschema:"description=A read-only SQL query (SELECT / SHOW / DESCRIBE)."`
}

func NewSQLQueryTool(db *sql.DB, maxRows int) *SQLQueryTool {
	if maxRows <= 0 {
		maxRows = 50
	}
	return &SQLQueryTool{db: db, maxRows: maxRows}
}

func (t *SQLQueryTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "sql_query_tool",
		Description: "Runs a read-only SQL query against the application database and returns the rows. Only SELECT, SHOW and DESCRIBE statements are permitted.",
		Schema:      argsSchema(&sqlQueryArgs{}),
	}
}

func (t *SQLQueryTool) GetName() string        { return t.GetInfo().Name }
func (t *SQLQueryTool) GetDescription() string { return t.GetInfo().Description }

func (t *SQLQueryTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if err := validateReadOnlyQuery(query); err != nil {
		return "", err
	}

	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(columns, "\t"))
	sb.WriteString("\n")

	values := make([]sql.NullString, len(columns))
	scanArgs := make([]any, len(columns))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	count := 0
	for rows.Next() {
		if count >= t.maxRows {
			fmt.Fprintf(&sb, "... truncated at %d rows\n", t.maxRows)
			break
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return "", err
		}
		fields := make([]string, len(values))
		for i, v := range values {
			if v.Valid {
				fields[i] = v.String
			} else {
				fields[i] = "NULL"
			}
		}
		sb.WriteString(strings.Join(fields, "\t"))
		sb.WriteString("\n")
		count++
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if count == 0 {
		return "Query returned no rows.", nil
	}
	return strings.TrimSpace(sb.String()), nil
}

func validateReadOnlyQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("query cannot be empty")
	}
	first := strings.ToUpper(strings.Fields(trimmed)[0])
	switch first {
	case "SELECT", "SHOW", "DESCRIBE", "DESC", "EXPLAIN":
		return nil
	}
	return fmt.Errorf("only read-only queries are permitted, got '%s'", first)
}
