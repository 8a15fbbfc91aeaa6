/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package parser

import (
	"os"
	"reflect"
	"strings"
	"testing"
)

var cases = []struct {
	name string
	cfg  string
	tree []Node
	fail bool
}{
	{
		"single directive without args",
		`a`,
		[]Node{
			{
				Name:     "a",
				Args:     []string{},
				Children: nil,
				File:     "test",
				Line:     1,
			},
		},
		false,
	},
	{
		"single directive with args",
		`a a1 a2`,
		[]Node{
			{
				Name:     "a",
				Args:     []string{"a1", "a2"},
				Children: nil,
				File:     "test",
				Line:     1,
			},
		},
		false,
	},
	{
		"single directive with empty braces",
		`a { }`,
		[]Node{
			{
				Name:     "a",
				Args:     []string{},
				Children: []Node{},
				File:     "test",
				Line:     1,
			},
		},
		false,
	},
	{
		"single directive with arguments and empty braces",
		`a a1 a2 { }`,
		[]Node{
			{
				Name:     "a",
				Args:     []string{"a1", "a2"},
				Children: []Node{},
				File:     "test",
				Line:     1,
			},
		},
		false,
	},
	{
		"single directive with a block",
		`a a1 {
			child1 c1arg
			child2
		}`,
		[]Node{
			{
				Name: "a",
				Args: []string{"a1"},
				Children: []Node{
					{
						Name:     "child1",
						Args:     []string{"c1arg"},
						Children: nil,
						File:     "test",
						Line:     2,
					},
					{
						Name:     "child2",
						Args:     []string{},
						Children: nil,
						File:     "test",
						Line:     3,
					},
				},
				File: "test",
				Line: 1,
			},
		},
		false,
	},
	{
		"nested blocks",
		`a {
			b {
				c
			}
		}`,
		[]Node{
			{
				Name: "a",
				Args: []string{},
				Children: []Node{
					{
						Name: "b",
						Args: []string{},
						Children: []Node{
							{
								Name:     "c",
								Args:     []string{},
								Children: nil,
								File:     "test",
								Line:     3,
							},
						},
						File: "test",
						Line: 2,
					},
				},
				File: "test",
				Line: 1,
			},
		},
		false,
	},
	{
		"quoted argument with spaces",
		`a "a1 a2" a3`,
		[]Node{
			{
				Name:     "a",
				Args:     []string{"a1 a2", "a3"},
				Children: nil,
				File:     "test",
				Line:     1,
			},
		},
		false,
	},
	{
		"comment is skipped",
		`# banana
		a a1`,
		[]Node{
			{
				Name:     "a",
				Args:     []string{"a1"},
				Children: nil,
				File:     "test",
				Line:     2,
			},
		},
		false,
	},
	{
		"line continuation",
		`a a1 \
		a2`,
		[]Node{
			{
				Name:     "a",
				Args:     []string{"a1", "a2"},
				Children: nil,
				File:     "test",
				Line:     1,
			},
		},
		false,
	},
	{
		"environment variable expansion",
		`a {env:TESTING_VARIABLE}`,
		[]Node{
			{
				Name:     "a",
				Args:     []string{"ABCDEF"},
				Children: nil,
				File:     "test",
				Line:     1,
			},
		},
		false,
	},
	{
		"missing environment variable is removed",
		`a prefix{env:TESTING_VARIABLE_UNDEFINED}suffix`,
		[]Node{
			{
				Name:     "a",
				Args:     []string{"prefixsuffix"},
				Children: nil,
				File:     "test",
				Line:     1,
			},
		},
		false,
	},
	{
		"closing brace must be the only token",
		`a {
			b }`,
		nil,
		true,
	},
	{
		"unexpected EOF inside a block",
		`a {
			b`,
		nil,
		true,
	},
	{
		"unexpected closing brace",
		`}`,
		nil,
		true,
	},
	{
		"directive name starting with a digit",
		`1abc`,
		nil,
		true,
	},
	{
		"inline block with content",
		`a { b }`,
		nil,
		true,
	},
	{
		"block nesting limit",
		strings.Repeat("a {\n", 1000) + strings.Repeat("}\n", 1000),
		nil,
		true,
	},
}

func printTree(t *testing.T, root Node, indent int) {
	t.Log(strings.Repeat(" ", indent)+root.Name, root.Args)
	for _, child := range root.Children {
		printTree(t, child, indent+1)
	}
}

func TestRead(t *testing.T) {
	os.Setenv("TESTING_VARIABLE", "ABCDEF")

	for _, case_ := range cases {
		t.Run(case_.name, func(t *testing.T) {
			tree, err := Read(strings.NewReader(case_.cfg), "test")
			if !case_.fail && err != nil {
				t.Error("unexpected failure:", err)
				return
			}
			if case_.fail {
				if err == nil {
					t.Log("expected failure but Read succeeded")
					for _, node := range tree {
						printTree(t, node, 0)
					}
					t.Fail()
				}
				return
			}

			if !reflect.DeepEqual(case_.tree, tree) {
				t.Log("parse result mismatch")
				t.Logf("expected: %+#v", case_.tree)
				t.Logf("actual:   %+#v", tree)
				t.Fail()
			}
		})
	}
}
