// Licensed to the Apache Software Foundation (ASF) under one or more
// contributor license agreements.  See the NOTICE file distributed with
// this work for additional information regarding copyright ownership.
// The ASF licenses this file to You under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance with
// the License.  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package exec

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/gustflow/gust/pkg/gust/internal/errors"
)

// UserCodeError carries a failure raised by a user hook or by a downstream
// consumer while handling a user output. The core performs no recovery;
// the bundle as a whole fails.
type UserCodeError struct {
	Err error
}

func (e *UserCodeError) Error() string {
	return fmt.Sprintf("user code failed: %v", e.Err)
}

func (e *UserCodeError) Unwrap() error {
	return e.Err
}

// wrapUserCode wraps err into a UserCodeError unless it already is one or
// is a validation error.
func wrapUserCode(err error) error {
	if err == nil {
		return nil
	}
	var uce *UserCodeError
	if errors.As(err, &uce) {
		return err
	}
	var ve *validationError
	if errors.As(err, &ve) {
		return err
	}
	return &UserCodeError{Err: err}
}

// validationError is raised by context operations on malformed usage:
// unsupported operations for the current phase, timestamp bound violations,
// state or timer access in unkeyed contexts. Unlike user panics it is
// surfaced as-is, not wrapped as a user code failure.
type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}

func validationErrorf(format string, args ...any) *validationError {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// callNoPanic invokes f, recovering panics into errors. Validation panics
// pass through unchanged; anything else raised by user code is wrapped in
// a UserCodeError together with the stack.
func callNoPanic(ctx context.Context, f func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch p := r.(type) {
			case *validationError:
				err = p
			case *UserCodeError:
				err = p
			case error:
				err = &UserCodeError{Err: errors.Wrapf(p, "panic:\n%s", debug.Stack())}
			default:
				err = &UserCodeError{Err: errors.Errorf("panic: %v\n%s", p, debug.Stack())}
			}
		}
	}()
	return f(ctx)
}
