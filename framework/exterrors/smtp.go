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

package exterrors

import (
	"fmt"
)

// EnhancedCode is the RFC 2034 enhanced status code triplet.
type EnhancedCode [3]int

func (ec EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is an error that defines the SMTP reply to be sent for it.
//
// Modules return it when a failure has a well-defined protocol-level
// meaning; sessions pass Code/EnhancedCode/Message to the peer verbatim.
type SMTPError struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string

	// Err is the underlying cause, if any. It is not sent to the peer.
	Err error
}

func (err *SMTPError) Error() string {
	if err.Err != nil {
		return err.Err.Error()
	}
	return err.Message
}

func (err *SMTPError) Unwrap() error {
	return err.Err
}

func (err *SMTPError) Temporary() bool {
	return err.Code/100 == 4
}

func (err *SMTPError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"smtp_code":     err.Code,
		"smtp_enchcode": err.EnhancedCode.String(),
		"smtp_msg":      err.Message,
	}
}
