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

package log

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Fields are serialized with deterministic key order so that ad-hoc parsing
// and eyeballing of values lined up across multiple messages both work.

func marshalLogValue(val interface{}) ([]byte, error) {
	switch casted := val.(type) {
	case time.Time:
		return json.Marshal(casted.UTC().Format("2006-01-02T15:04:05.000Z"))
	case LogFormatter:
		return json.Marshal(casted.FormatLog())
	case error:
		return json.Marshal(casted.Error())
	case fmt.Stringer:
		return json.Marshal(casted.String())
	default:
		return json.Marshal(casted)
	}
}

func marshalOrderedJSON(output *strings.Builder, fields map[string]interface{}) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	output.WriteRune('{')
	for i, k := range keys {
		if i != 0 {
			output.WriteRune(',')
		}

		key, err := json.Marshal(k)
		if err != nil {
			return err
		}
		output.Write(key)
		output.WriteRune(':')

		value, err := marshalLogValue(fields[k])
		if err != nil {
			return err
		}
		output.Write(value)
	}
	output.WriteRune('}')

	return nil
}
