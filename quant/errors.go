// Copyright 2026 go-bitgrad Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package quant

import "fmt"

// InvalidSchemeError reports an unrecognized quantization scheme name.
type InvalidSchemeError struct {
	Name string
}

func (e *InvalidSchemeError) Error() string {
	return fmt.Sprintf("quant: invalid quantization scheme %q (want %q, %q, or %q)",
		e.Name, "linear", "vector", "min-max")
}

// ShapeMismatchError reports a scale or tensor whose length disagrees with
// the dimensions it is applied to.
type ShapeMismatchError struct {
	What string
	Got  int
	Want int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("quant: %s has length %d, want %d", e.What, e.Got, e.Want)
}
