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
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Patterns, tried in the order listed in Compile.
var (
	reContact     = regexp.MustCompile(`^(?i)contact\s*:\s*(.*)$`)
	reTitle       = regexp.MustCompile(`^(?i)title\s*:\s*(.*)$`)
	reSeparator   = regexp.MustCompile(`^(-{3,}|={3,})$`)
	reJump        = regexp.MustCompile(`^(?i)<<\s*jump\s+([^<>]+?)\s*>>$`)
	reChoiceOpen  = regexp.MustCompile(`^(?i)>>\s*choice$`)
	reChoiceClose = regexp.MustCompile(`^(?i)>>\s*endchoice$`)
	reOption      = regexp.MustCompile(`^->\s*"(.*)"$`)
	reMedia       = regexp.MustCompile(`^(?i)>>\s*media(?:\s+(.*))?$`)
	reSpeaker     = regexp.MustCompile(`^(#?)([^:"]{1,64}?)\s*:\s*(.*)$`)
)

// Compile parses chapter source into a ParsedScript. It never fails:
// malformed lines become diagnostics and are skipped.
//
// Supported syntax:
//   - contact: NAME            header, ignored here (see story.ReadContact)
//   - title: NODE              opens a node
//   - --- / ===                visual separators
//   - <<jump NODE>>            auto-jump, or the open choice's target
//   - ->                       pause point before the next message
//   - >> choice / >> endchoice choice block
//   - -> "LABEL"               choice option (inside a choice block)
//   - >> media SPEAKER type:image [unlock:true] path:KEY
//   - SPEAKER: "text"          message; #SPEAKER inside an option is a player response
//
// "//" starts a comment that runs to the end of the line.
func Compile(input string) (*ParsedScript, []Diagnostic) {
	return CompileUnit("", input)
}

// byteOrderMark is dropped from the start of a source; editors on Windows
// often write one.
const byteOrderMark = "\uFEFF"

// CompileUnit is Compile with a unit name (usually the chapter file name)
// mixed into message ids so identical lines in different chapters stay distinct.
func CompileUnit(unit, input string) (*ParsedScript, []Diagnostic) {
	c := &compiler{ps: &ParsedScript{Unit: unit, Nodes: map[string]*Node{}}}

	scanner := bufio.NewScanner(strings.NewReader(strings.TrimPrefix(input, byteOrderMark)))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		c.lineNo++
		c.line(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		c.errorf("read source: %v", err)
	}
	c.finalizeNode()

	validate(c.ps, &c.diags)
	return c.ps, c.diags
}

type compiler struct {
	ps     *ParsedScript
	diags  []Diagnostic
	lineNo int

	node      *Node
	nodeIDs   *idScope
	inChoice  bool
	choiceAt  int
	choice    *Choice
	choiceIDs *idScope
}

func (c *compiler) warnf(format string, args ...any) {
	c.diags = append(c.diags, Diagnostic{Severity: SeverityWarning, Line: c.lineNo, Node: c.nodeName(), Message: fmt.Sprintf(format, args...)})
}

func (c *compiler) errorf(format string, args ...any) {
	c.diags = append(c.diags, Diagnostic{Severity: SeverityError, Line: c.lineNo, Node: c.nodeName(), Message: fmt.Sprintf(format, args...)})
}

func (c *compiler) nodeName() string {
	if c.node == nil {
		return ""
	}
	return c.node.Name
}

func stripComment(raw string) string {
	if i := strings.Index(raw, "//"); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSpace(raw)
}

func (c *compiler) line(raw string) {
	trim := stripComment(strings.TrimRight(raw, "\r\n"))
	if trim == "" {
		return
	}

	if reContact.MatchString(trim) {
		return
	}
	if m := reTitle.FindStringSubmatch(trim); m != nil {
		c.openNode(strings.TrimSpace(m[1]))
		return
	}
	if reSeparator.MatchString(trim) {
		return
	}
	if m := reJump.FindStringSubmatch(trim); m != nil {
		c.jump(strings.TrimSpace(m[1]))
		return
	}
	if trim == "->" {
		c.pause()
		return
	}
	if reChoiceOpen.MatchString(trim) {
		c.openChoiceBlock()
		return
	}
	if reChoiceClose.MatchString(trim) {
		c.closeChoiceBlock()
		return
	}
	if m := reOption.FindStringSubmatch(trim); m != nil {
		c.option(m[1])
		return
	}
	if m := reMedia.FindStringSubmatch(trim); m != nil {
		c.media(m[1])
		return
	}
	if m := reSpeaker.FindStringSubmatch(trim); m != nil {
		c.text(m[1] == "#", strings.TrimSpace(m[2]), unquote(strings.TrimSpace(m[3])))
		return
	}
	c.warnf("unrecognized line %q", trim)
}

func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}

func (c *compiler) openNode(name string) {
	c.finalizeNode()
	if name == "" {
		c.errorf("title without a node name")
		return
	}
	if old, dup := c.ps.Nodes[name]; dup {
		c.warnf("duplicate node %q overwrites the one declared on line %d", name, old.Line)
	} else {
		c.ps.Order = append(c.ps.Order, name)
	}
	c.node = &Node{Name: name, Line: c.lineNo}
	c.ps.Nodes[name] = c.node
	c.nodeIDs = newIDScope(c.ps.Unit, name, "body")
}

// finalizeNode flushes the open choice and reports suspicious node shapes.
func (c *compiler) finalizeNode() {
	if c.node == nil {
		return
	}
	c.flushChoice()
	if c.inChoice {
		c.warnf("choice block opened on line %d is never closed", c.choiceAt)
		c.inChoice = false
	}
	n := c.node
	if len(n.Choices) > 0 && len(n.Messages) == 0 {
		c.diags = append(c.diags, Diagnostic{Severity: SeverityWarning, Line: n.Line, Node: n.Name, Message: "node presents choices without any messages"})
	}
	if len(n.Choices) > 0 && n.AutoJump != "" {
		c.diags = append(c.diags, Diagnostic{Severity: SeverityWarning, Line: n.Line, Node: n.Name, Target: n.AutoJump,
			Message: fmt.Sprintf("auto-jump to %q is dead: the node has choices", n.AutoJump)})
	}
	c.node = nil
	c.nodeIDs = nil
}

func (c *compiler) flushChoice() {
	if c.choice == nil {
		return
	}
	if c.choice.Target == "" {
		c.diags = append(c.diags, Diagnostic{Severity: SeverityWarning, Line: c.choice.Line, Node: c.nodeName(),
			Message: fmt.Sprintf("choice %q has no jump target", c.choice.Label)})
	}
	c.node.Choices = append(c.node.Choices, *c.choice)
	c.choice = nil
	c.choiceIDs = nil
}

func (c *compiler) requireNode(what string) bool {
	if c.node != nil {
		return true
	}
	c.warnf("%s outside of a node", what)
	return false
}

func (c *compiler) jump(target string) {
	if !c.requireNode("jump") {
		return
	}
	if c.inChoice {
		if c.choice == nil {
			c.warnf("jump to %q inside a choice block before any option", target)
			return
		}
		if c.choice.Target != "" {
			c.warnf("choice %q already jumps to %q; replaced by %q", c.choice.Label, c.choice.Target, target)
		}
		c.choice.Target = target
		return
	}
	if c.node.AutoJump != "" {
		c.warnf("node already jumps to %q; replaced by %q", c.node.AutoJump, target)
	}
	c.node.AutoJump = target
}

func (c *compiler) pause() {
	if !c.requireNode("pause") {
		return
	}
	if c.inChoice {
		c.warnf("pause inside a choice block is ignored")
		return
	}
	if !c.node.addPause(len(c.node.Messages)) {
		c.warnf("duplicate pause at message %d", len(c.node.Messages))
	}
}

func (c *compiler) openChoiceBlock() {
	if !c.requireNode("choice block") {
		return
	}
	if c.inChoice {
		c.warnf("nested choice blocks are not supported; ignored")
		return
	}
	c.inChoice = true
	c.choiceAt = c.lineNo
}

func (c *compiler) closeChoiceBlock() {
	if !c.inChoice {
		c.warnf("endchoice without an open choice block")
		return
	}
	c.flushChoice()
	c.inChoice = false
}

func (c *compiler) option(label string) {
	if !c.inChoice {
		c.warnf("choice option %q outside of a choice block", label)
		return
	}
	c.flushChoice()
	c.choice = &Choice{Label: label, Line: c.lineNo}
	c.choiceIDs = newIDScope(c.ps.Unit, c.node.Name, "choice:"+strconv.Itoa(len(c.node.Choices))+":"+label)
}

// media parses "SPEAKER type:image [unlock:true] path:KEY". The path runs to the end of the line.
func (c *compiler) media(rest string) {
	if !c.requireNode("media") {
		return
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		c.warnf("media line without a speaker")
		return
	}
	speaker := fields[0]
	var typ, path string
	unlock := false
	for i := 1; i < len(fields); i++ {
		key, val, ok := strings.Cut(fields[i], ":")
		if !ok {
			c.warnf("media attribute %q is not key:value", fields[i])
			return
		}
		switch strings.ToLower(key) {
		case "type":
			typ = strings.ToLower(val)
		case "unlock":
			b, err := strconv.ParseBool(val)
			if err != nil {
				c.warnf("media unlock value %q is not a boolean", val)
				return
			}
			unlock = b
		case "path":
			path = strings.TrimSpace(strings.Join(append([]string{val}, fields[i+1:]...), " "))
			i = len(fields)
		default:
			c.warnf("unknown media attribute %q", key)
		}
	}
	if typ != "image" {
		c.warnf("unsupported media type %q", typ)
		return
	}
	if path == "" {
		c.warnf("media line without a path")
		return
	}
	msg := Message{Kind: KindImage, Speaker: speaker, MediaKey: path, Unlocks: unlock}
	if c.choice != nil {
		c.choiceIDs.assign(&msg)
		c.choice.Responses = append(c.choice.Responses, msg)
		return
	}
	if c.inChoice {
		c.warnf("media inside a choice block before any option")
		return
	}
	c.nodeIDs.assign(&msg)
	c.node.Messages = append(c.node.Messages, msg)
}

func (c *compiler) text(response bool, speaker, text string) {
	if !c.requireNode("message") {
		return
	}
	if text == "" {
		c.warnf("message from %q has no text", speaker)
		return
	}
	kind := KindText
	if strings.EqualFold(speaker, SpeakerSystem) {
		kind = KindSystemNotice
	}
	msg := Message{Kind: kind, Speaker: speaker, Text: text}
	if response {
		if c.choice == nil {
			c.warnf("player response %q outside of a choice option", text)
			return
		}
		c.choiceIDs.assign(&msg)
		c.choice.Responses = append(c.choice.Responses, msg)
		return
	}
	if c.inChoice {
		c.warnf("message inside a choice block without '#' is attached to the node")
	}
	c.nodeIDs.assign(&msg)
	c.node.Messages = append(c.node.Messages, msg)
}
