/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package script

import (
	"fmt"
	"strings"
)

// validate runs the whole-script checks: dangling jump targets and
// auto-jump cycles. Dangling targets are warnings because a later chapter may
// still define them.
func validate(ps *ParsedScript, diags *[]Diagnostic) {
	for _, name := range ps.Order {
		n := ps.Nodes[name]
		if n.AutoJump != "" && len(n.Choices) == 0 {
			if _, ok := ps.Nodes[n.AutoJump]; !ok {
				*diags = append(*diags, Diagnostic{Severity: SeverityWarning, Node: n.Name, Target: n.AutoJump,
					Message: fmt.Sprintf("jump target %q is not defined in this chapter", n.AutoJump)})
			}
		}
		for _, ch := range n.Choices {
			if ch.Target == "" {
				continue
			}
			if _, ok := ps.Nodes[ch.Target]; !ok {
				*diags = append(*diags, Diagnostic{Severity: SeverityWarning, Line: ch.Line, Node: n.Name, Target: ch.Target,
					Message: fmt.Sprintf("choice %q targets %q which is not defined in this chapter", ch.Label, ch.Target)})
			}
		}
	}
	for _, cycle := range AutoJumpCycles(ps) {
		*diags = append(*diags, Diagnostic{Severity: SeverityError, Node: cycle[0], Target: cycle[0],
			Message: "auto-jump cycle: " + strings.Join(append(cycle, cycle[0]), " -> ")})
	}
}

// AutoJumpCycles returns every cycle formed purely by auto-jumps between
// nodes without choices. Each cycle is listed once, starting at the node that
// was declared first among those walked.
func AutoJumpCycles(ps *ParsedScript) [][]string {
	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[string]int, len(ps.Nodes))
	var cycles [][]string
	for _, start := range ps.Order {
		if state[start] != unvisited {
			continue
		}
		var path []string
		pos := map[string]int{}
		cur := start
		for {
			n, ok := ps.Nodes[cur]
			if !ok || len(n.Choices) > 0 || n.AutoJump == "" || state[cur] != unvisited {
				break
			}
			state[cur] = onPath
			pos[cur] = len(path)
			path = append(path, cur)
			cur = n.AutoJump
		}
		if state[cur] == onPath {
			cycles = append(cycles, append([]string(nil), path[pos[cur]:]...))
		}
		for _, p := range path {
			state[p] = done
		}
	}
	return cycles
}
