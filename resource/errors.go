/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package resource

import (
	"fmt"

	"github.com/coapcore/coap"
)

func errExists(path string) error {
	return &coap.Error{Kind: coap.ErrMethodNotAllowed, Code: coap.MethodNotAllowed, Err: fmt.Errorf("resource %q already exists", path)}
}

func errNotAllowed(path string) error {
	return &coap.Error{Kind: coap.ErrMethodNotAllowed, Code: coap.MethodNotAllowed, Err: fmt.Errorf("parent of %q does not allow children", path)}
}
