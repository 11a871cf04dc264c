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

package errors

import "errors"

// As delegates to the standard library errors.As, following Unwrap chains
// through wrapped errors.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is delegates to the standard library errors.Is, following Unwrap chains
// through wrapped errors.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Unwrap delegates to the standard library errors.Unwrap.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}
