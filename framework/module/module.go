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

// Package module contains the modules registry and interfaces implemented
// by modules.
//
// Interfaces are placed here to prevent circular dependencies.
//
// Each capability used by the server is provided by some object called
// "module". This includes authentication, mailbox storage, MX resolution,
// outbound delivery, TLS certificate loading, etc. One module may serve
// multiple functions, e.g. be a mailbox store and a delivery target at the
// same moment.
//
// Each module gets its own unique name (like storage.fs or auth.static).
// Each module instance also can have its own unique name that is used to
// refer to it in the configuration.
package module

import (
	"github.com/gmpassos/mailstack/framework/config"
)

// Module is the interface implemented by all module instances.
//
// It defines basic methods used to identify instances.
//
// Additionally, a module can implement io.Closer if it needs to perform
// clean-up on shutdown. If the module starts long-lived goroutines - they
// should be stopped *before* Close returns to ensure graceful shutdown.
type Module interface {
	// Init performs the actual initialization of the module.
	//
	// It is not done in FuncNewModule so all module instances are
	// registered at the time of initialization, thus initialization does
	// not depend on the ordering of configuration blocks and modules can
	// reference each other without any problems.
	//
	// Module can use the passed config.Map to read its configuration
	// variables.
	Init(*config.Map) error

	// Name reports the module name.
	//
	// It is used to reference the module in the configuration and in logs.
	Name() string

	// InstanceName reports the unique name of this module instance or an
	// empty string if the instance is unnamed.
	InstanceName() string
}

// FuncNewModule is a function that creates a new instance of a module with
// the specified name.
//
// Module.InstanceName() of the returned module object should return
// instName. The aliases slice contains other names that can be used to
// reference the created instance.
//
// If the module is defined inline, instName will be empty and all values
// specified after the module name in the configuration will be in
// inlineArgs.
type FuncNewModule func(modName, instName string, aliases, inlineArgs []string) (Module, error)

// FuncNewEndpoint is a function that creates a new instance of an endpoint
// module.
//
// Compared to regular modules, endpoint module instances are:
// - Not registered in the global instances registry.
// - Can't be defined inline.
// - Don't have an unique name.
// - All config arguments are always passed as an 'addrs' slice and not used
// as names.
//
// As a consequence of having no per-instance name, InstanceName of the
// module object always returns the same value as Name.
type FuncNewEndpoint func(modName string, addrs []string) (Module, error)
