/*
Copyright 2025.

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

package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fleetback/fleetback/internal/model"
)

// CommandBuilder builds engine CLI arguments.
type CommandBuilder struct {
	command string
	args    []string
}

// NewCommand creates a new command builder.
func NewCommand(cmd string) *CommandBuilder {
	return &CommandBuilder{
		command: cmd,
		args:    []string{cmd},
	}
}

// WithJSON adds the --json flag.
func (b *CommandBuilder) WithJSON() *CommandBuilder {
	b.args = append(b.args, "--json")
	return b
}

// WithHost adds the --host flag.
func (b *CommandBuilder) WithHost(host string) *CommandBuilder {
	if host != "" {
		b.args = append(b.args, "--host", host)
	}
	return b
}

// WithTag adds a --tag flag.
func (b *CommandBuilder) WithTag(tag string) *CommandBuilder {
	if tag != "" {
		b.args = append(b.args, "--tag", tag)
	}
	return b
}

// WithTags adds multiple --tag flags.
func (b *CommandBuilder) WithTags(tags []string) *CommandBuilder {
	for _, tag := range tags {
		b.WithTag(tag)
	}
	return b
}

// WithExclude adds an --exclude flag.
func (b *CommandBuilder) WithExclude(pattern string) *CommandBuilder {
	if pattern != "" {
		b.args = append(b.args, "--exclude", pattern)
	}
	return b
}

// WithExcludes adds multiple --exclude flags.
func (b *CommandBuilder) WithExcludes(patterns []string) *CommandBuilder {
	for _, pattern := range patterns {
		b.WithExclude(pattern)
	}
	return b
}

// WithExcludeIfPresent adds --exclude-if-present flags: directories
// containing any of the named files are skipped.
func (b *CommandBuilder) WithExcludeIfPresent(filenames []string) *CommandBuilder {
	for _, f := range filenames {
		if f != "" {
			b.args = append(b.args, "--exclude-if-present", f)
		}
	}
	return b
}

// WithRules forwards the effective include/exclude rules. Regex rules
// are passed with the engine's "re:" pattern prefix.
func (b *CommandBuilder) WithRules(rules model.IncludeExcludeRules) *CommandBuilder {
	b.WithExcludes(rules.ExcludePatterns)
	for _, re := range rules.ExcludeRegex {
		b.WithExclude("re:" + re)
	}
	for _, re := range rules.IncludeOnlyRegex {
		if re != "" {
			b.args = append(b.args, "--include", "re:"+re)
		}
	}
	b.WithExcludeIfPresent(rules.ExcludeIfPresent)
	return b
}

// WithInclude adds an --include flag.
func (b *CommandBuilder) WithInclude(pattern string) *CommandBuilder {
	if pattern != "" {
		b.args = append(b.args, "--include", pattern)
	}
	return b
}

// WithIncludes adds multiple --include flags.
func (b *CommandBuilder) WithIncludes(patterns []string) *CommandBuilder {
	for _, pattern := range patterns {
		b.WithInclude(pattern)
	}
	return b
}

// WithTarget adds the --target flag.
func (b *CommandBuilder) WithTarget(target string) *CommandBuilder {
	if target != "" {
		b.args = append(b.args, "--target", target)
	}
	return b
}

// WithKeep adds the --keep-* flags derived from a retention policy.
func (b *CommandBuilder) WithKeep(policy model.RetentionPolicy) *CommandBuilder {
	keep := func(flag string, n int) {
		if n > 0 {
			b.args = append(b.args, flag, strconv.Itoa(n))
		}
	}
	keep("--keep-last", policy.KeepLatest)
	keep("--keep-daily", policy.KeepDaily)
	keep("--keep-weekly", policy.KeepWeekly)
	keep("--keep-monthly", policy.KeepMonthly)
	keep("--keep-yearly", policy.KeepYearly)
	return b
}

// WithPrune adds the --prune flag.
func (b *CommandBuilder) WithPrune() *CommandBuilder {
	b.args = append(b.args, "--prune")
	return b
}

// WithGroupBy adds the --group-by flag.
func (b *CommandBuilder) WithGroupBy(groupBy string) *CommandBuilder {
	if groupBy != "" {
		b.args = append(b.args, "--group-by", groupBy)
	}
	return b
}

// WithArg adds a custom argument.
func (b *CommandBuilder) WithArg(arg string) *CommandBuilder {
	if arg != "" {
		b.args = append(b.args, arg)
	}
	return b
}

// WithArgs adds multiple custom arguments.
func (b *CommandBuilder) WithArgs(args []string) *CommandBuilder {
	b.args = append(b.args, args...)
	return b
}

// WithPath adds a path argument.
func (b *CommandBuilder) WithPath(path string) *CommandBuilder {
	if path != "" {
		b.args = append(b.args, path)
	}
	return b
}

// Build returns the final arguments slice.
func (b *CommandBuilder) Build() []string {
	return b.args
}

// Redacted returns the invocation for job records: the repository is
// named through its environment variable, the password placeholder
// never carries the secret.
func (b *CommandBuilder) Redacted(binary, repoPath string) string {
	return fmt.Sprintf("%s=%s %s=*** %s %s",
		envRepository, repoPath, envPassword, binary, strings.Join(b.args, " "))
}
