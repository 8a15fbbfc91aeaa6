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

// Package parser reads the configuration files used by the rest of the
// server.
//
// The syntax is line-oriented: each logical line is a directive made of a
// name and space-separated arguments, optionally followed by a brace-wrapped
// block of child directives:
//
//	name arg0 arg1 {
//	    child0
//	    child1 arg
//	}
//
// '#' starts a comment running to the end of the line. Double-quoted
// arguments may contain spaces, '#' and escaped quotes. A trailing '\'
// continues the logical line on the next physical one. An empty block may
// be written as '{ }' on the directive line, any other inline use of
// braces is rejected.
package parser

import (
	"errors"
	"fmt"
	"io"
	"unicode"
)

// Node describes a parsed configuration block or a simple directive.
type Node struct {
	// Name is the first token of the directive line.
	Name string
	// Args are any tokens placed after the node name.
	Args []string

	// Children contains all child directives if the node is a block.
	// It is nil for plain directives and non-nil (possibly empty) for
	// blocks.
	Children []Node

	// File is the name of the node's source file.
	File string
	// Line is the line number the directive starts at. For blocks this is
	// the line of the block header.
	Line int
}

// NodeErr returns an error prefixed with the node's source location.
func NodeErr(node Node, f string, args ...interface{}) error {
	if node.File == "" {
		return fmt.Errorf(f, args...)
	}
	return fmt.Errorf("%s:%d: %s", node.File, node.Line, fmt.Sprintf(f, args...))
}

func validateNodeName(s string) error {
	if len(s) == 0 {
		return errors.New("empty directive name")
	}
	if unicode.IsDigit([]rune(s)[0]) {
		return errors.New("directive name cannot start with a digit")
	}

	allowedPunct := map[rune]bool{'.': true, '-': true, '_': true}
	for _, ch := range s {
		if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) && !allowedPunct[ch] {
			return errors.New("character not allowed in directive name: " + string(ch))
		}
	}
	return nil
}

type parseContext struct {
	lex      *lexer
	location string
	nesting  int
}

const maxNesting = 255

// readNode reads the node starting at the current logical line. The line
// tokens are already split by the lexer; readNode recurses into readNodes
// when the line opens a block.
func (ctx *parseContext) readNode(line logicalLine) (Node, error) {
	node := Node{
		File: ctx.location,
		Line: line.line,
	}

	tokens := line.tokens
	if len(tokens) == 0 {
		return node, ctx.lex.err(line.line, "empty directive")
	}

	node.Name = tokens[0]
	if err := validateNodeName(node.Name); err != nil {
		return node, ctx.lex.err(line.line, "%v", err)
	}

	rest := tokens[1:]
	openBlock := false
	switch {
	case len(rest) != 0 && rest[len(rest)-1] == "{":
		openBlock = true
		rest = rest[:len(rest)-1]
	case len(rest) >= 2 && rest[len(rest)-2] == "{" && rest[len(rest)-1] == "}":
		// 'name args... { }', an explicitly empty block.
		node.Children = []Node{}
		rest = rest[:len(rest)-2]
	}
	for _, tok := range rest {
		switch tok {
		case "{":
			return node, ctx.lex.err(line.line, "{ must be the last token on its line")
		case "}":
			return node, ctx.lex.err(line.line, "} must be the only token on its line")
		}
	}
	node.Args = append(node.Args, rest...)

	if openBlock {
		children, err := ctx.readNodes()
		if err != nil {
			return node, err
		}
		node.Children = children
	}

	return node, nil
}

// readNodes reads the directives of the current block, stopping at the
// closing brace or, for the top-level block, at EOF.
func (ctx *parseContext) readNodes() ([]Node, error) {
	// Empty but non-nil so empty braces are distinguishable from a plain
	// directive.
	res := []Node{}

	if ctx.nesting > maxNesting {
		return res, ctx.lex.err(ctx.lex.line, "nesting limit reached")
	}
	ctx.nesting++
	defer func() { ctx.nesting-- }()

	for {
		line, err := ctx.lex.nextLine()
		if err == io.EOF {
			if ctx.nesting > 1 {
				return res, ctx.lex.err(ctx.lex.line, "unexpected EOF when looking for }")
			}
			return res, nil
		}
		if err != nil {
			return res, err
		}

		if len(line.tokens) == 1 && line.tokens[0] == "}" {
			if ctx.nesting == 1 {
				return res, ctx.lex.err(line.line, "unexpected }")
			}
			return res, nil
		}

		node, err := ctx.readNode(line)
		if err != nil {
			return res, err
		}
		res = append(res, node)
	}
}

// Read parses the configuration from r. location is used for error messages
// and Node.File.
//
// References in the form {env:VAR} are replaced with the corresponding
// environment variable values in all names and arguments.
func Read(r io.Reader, location string) ([]Node, error) {
	ctx := parseContext{
		lex:      newLexer(r, location),
		location: location,
	}

	nodes, err := ctx.readNodes()
	if err != nil {
		return nodes, err
	}

	return expandEnvironment(nodes), nil
}
