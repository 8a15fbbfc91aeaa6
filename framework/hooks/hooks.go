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

// Package hooks implements the global registry of process lifecycle hooks.
package hooks

import "sync"

type Event int

const (
	// EventShutdown is triggered when the server process is about to stop.
	EventShutdown Event = iota

	// EventReload is triggered when the server process receives SIGUSR2 (on
	// POSIX platforms) and indicates the request to reread secondary files
	// such as TLS certificates and credentials lists. Modules configuration
	// itself is never reloaded.
	EventReload
)

var (
	hooks    = make(map[Event][]func())
	hooksLck sync.Mutex
)

func hooksToRun(ev Event) []func() {
	hooksLck.Lock()
	defer hooksLck.Unlock()

	// Copied so hooks run without the lock held, they are likely to do
	// a lot of I/O.
	cpy := make([]func(), len(hooks[ev]))
	copy(cpy, hooks[ev])
	return cpy
}

// RunHooks runs the hooks installed for the specified event in the reverse
// order of their installation.
func RunHooks(ev Event) {
	hooks := hooksToRun(ev)
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// AddHook installs the hook to be executed when the certain event occurs.
func AddHook(ev Event, f func()) {
	hooksLck.Lock()
	defer hooksLck.Unlock()

	hooks[ev] = append(hooks[ev], f)
}
