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

// Package archive reads the action and workflow files out of a repository
// tarball.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/harekrishnarai/ghascan/pkg/errors"
)

// actionsFileRe selects workflow files and action definitions
var actionsFileRe = regexp.MustCompile(`^(.github/(actions/.*/action[.]ya?ml|workflows/.*[.]ya?ml)|(.*/)?action[.]ya?ml)$`)

// IsActionsFile reports whether a repository-relative path is a workflow or
// action definition
func IsActionsFile(path string) bool {
	return actionsFileRe.MatchString(path)
}

// ExtractActionsFiles reads a gzipped tarball and returns the content of
// every actions file keyed by its path with the leading archive directory
// removed. Reading stops with a size limit error once more than maxBytes of
// decompressed data has been consumed; zero means no limit.
func ExtractActionsFiles(r io.Reader, maxBytes int64) (map[string]string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	var src io.Reader = gz
	var limited *io.LimitedReader
	if maxBytes > 0 {
		limited = &io.LimitedReader{R: gz, N: maxBytes + 1}
		src = limited
	}

	files := make(map[string]string)
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if limited != nil && limited.N <= 0 {
				return nil, errors.NewSizeLimitError("repository archive too large", "archive", maxBytes)
			}
			return nil, fmt.Errorf("failed to read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		path := stripFirstComponent(hdr.Name)
		if path == "" || !IsActionsFile(path) {
			continue
		}

		content, err := io.ReadAll(tr)
		if err != nil {
			if limited != nil && limited.N <= 0 {
				return nil, errors.NewSizeLimitError("repository archive too large", "archive", maxBytes)
			}
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		files[path] = string(content)
	}

	if limited != nil && limited.N <= 0 {
		return nil, errors.NewSizeLimitError("repository archive too large", "archive", maxBytes)
	}
	return files, nil
}

// stripFirstComponent drops the <owner>-<repo>-<sha>/ prefix GitHub puts on
// every tarball entry
func stripFirstComponent(name string) string {
	name = strings.TrimPrefix(name, "./")
	i := strings.IndexByte(name, '/')
	if i < 0 {
		return ""
	}
	return name[i+1:]
}
