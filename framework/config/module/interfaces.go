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

package modconfig

import (
	"github.com/gmpassos/mailstack/framework/config"
	"github.com/gmpassos/mailstack/framework/module"
)

func UserDB(globals map[string]interface{}, args []string, block config.Node) (module.UserDB, error) {
	var db module.UserDB
	if err := ModuleFromNode("auth", args, block, globals, &db); err != nil {
		return nil, err
	}
	return db, nil
}

// AuthDirective is a callback for use in config.Map.Custom that resolves
// an authentication provider from the directive arguments.
func AuthDirective(m *config.Map, node config.Node) (interface{}, error) {
	return UserDB(m.Globals, node.Args, node)
}

// DeliveryDirective is a callback for use in config.Map.Custom.
//
// It resolves a delivery target from a directive with the following
// structure:
//
//	directive_name mod_name [inst_name] [{
//	  inline_mod_config
//	}]
//
// If the configuration structure lacks directive_name before mod_name -
// call DeliveryTarget directly.
func DeliveryDirective(m *config.Map, node config.Node) (interface{}, error) {
	return DeliveryTarget(m.Globals, node.Args, node)
}

func DeliveryTarget(globals map[string]interface{}, args []string, block config.Node) (module.DeliveryTarget, error) {
	var target module.DeliveryTarget
	if err := ModuleFromNode("target", args, block, globals, &target); err != nil {
		return nil, err
	}
	return target, nil
}

func MXResolver(globals map[string]interface{}, args []string, block config.Node) (module.MXResolver, error) {
	var resolver module.MXResolver
	if err := ModuleFromNode("mx", args, block, globals, &resolver); err != nil {
		return nil, err
	}
	return resolver, nil
}

// MXResolverDirective is a callback for use in config.Map.Custom that
// resolves an MX resolver module from the directive arguments.
func MXResolverDirective(m *config.Map, node config.Node) (interface{}, error) {
	return MXResolver(m.Globals, node.Args, node)
}

func StorageDirective(m *config.Map, node config.Node) (interface{}, error) {
	var backend module.Storage
	if err := ModuleFromNode("storage", node.Args, node, m.Globals, &backend); err != nil {
		return nil, err
	}
	return backend, nil
}
