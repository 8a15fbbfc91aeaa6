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
	"bufio"
	"fmt"
	"io"
	"strings"
)

// logicalLine is one directive line after comment stripping, tokenization
// and '\' continuation handling.
type logicalLine struct {
	tokens []string
	line   int
}

type lexer struct {
	scan     *bufio.Scanner
	location string
	line     int
}

func newLexer(r io.Reader, location string) *lexer {
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 0, 4096), 1024*1024)
	return &lexer{
		scan:     scan,
		location: location,
	}
}

func (l *lexer) err(line int, f string, args ...interface{}) error {
	return fmt.Errorf("%s:%d: %s", l.location, line, fmt.Sprintf(f, args...))
}

// nextLine returns the tokens of the next non-empty logical line. io.EOF is
// returned when the input is exhausted.
func (l *lexer) nextLine() (logicalLine, error) {
	var (
		tokens    []string
		startLine int
	)

	for l.scan.Scan() {
		l.line++

		lineTokens, cont, err := l.splitTokens(l.scan.Text())
		if err != nil {
			return logicalLine{}, err
		}
		if len(lineTokens) == 0 && !cont {
			if tokens != nil {
				// A '\' continuation followed by an empty line ends
				// the logical line.
				return logicalLine{tokens, startLine}, nil
			}
			continue
		}

		if tokens == nil {
			startLine = l.line
		}
		tokens = append(tokens, lineTokens...)
		if cont {
			continue
		}

		return logicalLine{tokens, startLine}, nil
	}
	if err := l.scan.Err(); err != nil {
		return logicalLine{}, err
	}
	if tokens != nil {
		return logicalLine{tokens, startLine}, nil
	}
	return logicalLine{}, io.EOF
}

// splitTokens splits the physical line into tokens, stripping comments and
// interpreting double-quoted strings. cont reports whether the logical line
// continues on the next physical line.
func (l *lexer) splitTokens(line string) (tokens []string, cont bool, err error) {
	var (
		tok      strings.Builder
		inToken  bool
		inQuotes bool
		escaped  bool
	)

	endToken := func() {
		if inToken {
			tokens = append(tokens, tok.String())
			tok.Reset()
			inToken = false
		}
	}

	for _, ch := range line {
		if escaped {
			tok.WriteRune(ch)
			escaped = false
			continue
		}

		switch {
		case inQuotes && ch == '\\':
			escaped = true
		case inQuotes && ch == '"':
			// Explicitly quoted tokens are kept even when empty.
			tokens = append(tokens, tok.String())
			tok.Reset()
			inToken = false
			inQuotes = false
		case inQuotes:
			tok.WriteRune(ch)
		case ch == '"':
			endToken()
			inQuotes = true
			inToken = true
		case ch == '#':
			endToken()
			return tokens, false, nil
		case ch == ' ' || ch == '\t':
			endToken()
		default:
			if !inToken {
				inToken = true
			}
			tok.WriteRune(ch)
		}
	}
	if inQuotes {
		return tokens, false, l.err(l.line, "unterminated quoted string")
	}
	endToken()

	if len(tokens) != 0 && tokens[len(tokens)-1] == `\` {
		return tokens[:len(tokens)-1], true, nil
	}
	return tokens, false, nil
}
