// Package contracttest builds well-formed generator replies for tests.
package contracttest

import (
	"encoding/json"
	"fmt"
)

// Draft is a mutable generator reply.
type Draft map[string]any

// JSON renders the draft the way a model would, inside a fenced block.
func (d Draft) JSON() string {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		panic(err)
	}
	return "```json\n" + string(data) + "\n```"
}

// Cases returns n uniquely named test cases.
func Cases(n int) []map[string]any {
	cases := make([]map[string]any, n)
	for i := range cases {
		cases[i] = map[string]any{
			"name":     fmt.Sprintf("case_%d", i+1),
			"input":    []any{fmt.Sprintf("s%d", i)},
			"expected": fmt.Sprintf("%ds", i),
		}
	}
	return cases
}

// Python returns a valid return-style python draft with n test cases.
func Python(title string, n int) Draft {
	return Draft{
		"title":              title,
		"description":        "Reverse the given string.",
		"starter_code":       "def solve(s):\n    raise NotImplementedError\n",
		"reference_solution": "def solve(s):\n    return s[::-1]\n",
		"tests": map[string]any{
			"entrypoint": "solve",
			"cases":      Cases(n),
		},
		"constraints":    []string{"1 <= len(s) <= 100"},
		"sample_inputs":  []string{`"ab"`},
		"sample_outputs": []string{`"ba"`},
	}
}

// SQL returns a valid sql draft with n test cases.
func SQL(title string, n int) Draft {
	cases := make([]map[string]any, n)
	for i := range cases {
		cases[i] = map[string]any{
			"name":     fmt.Sprintf("rows_%d", i+1),
			"expected": [][]any{{"ada", 36}},
		}
	}
	return Draft{
		"title":              title,
		"description":        "List users older than 30.",
		"starter_code":       "-- Write your query here.\n",
		"reference_solution": "SELECT name, age FROM users WHERE age > 30 -- older\n;",
		"tests": map[string]any{
			"setup": "CREATE TABLE users(name TEXT, age INT); INSERT INTO users VALUES ('ada', 36), ('bob', 20);",
			"cases": cases,
		},
		"sample_inputs":  []string{"users table"},
		"sample_outputs": []string{"ada|36"},
	}
}
