// Copyright 2026 The CAG Authors
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

package cag

import "fmt"

// Error is the coordinator's failure type. It names the pipeline stage
// that failed and carries the original cause.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cag: %s failed", e.Stage)
	}
	return fmt.Sprintf("cag: %s failed: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps a stage failure.
func NewError(stage string, err error) *Error {
	return &Error{Stage: stage, Err: err}
}
