package preview

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/user/gopherline/internal/types"
)

var diffTools = newToolSet("file_edit", "edit", "edit_file", "str_replace", "file_write", "write_file", "apply_patch")

// Change kinds recorded in diff metadata.
const (
	ChangeCreateEmpty = "create_empty"
	ChangeUnchanged   = "unchanged"
	ChangeAddition    = "addition"
	ChangeDeletion    = "deletion"
	ChangeAppend      = "append"
	ChangePrepend     = "prepend"
	ChangeInsert      = "insert"
	ChangeModify      = "modify"
)

const (
	emptyFileMarker = "(creating empty file)"
	noChangesMarker = "No changes"
	diffContext     = 3
)

// DiffResult is a unified patch with its line counts.
type DiffResult struct {
	Patch     string
	Additions int
	Deletions int
	Kind      string
}

// Diff computes the patch from oldText to newText. Degenerate inputs get
// fixed renderings; a newText that contains oldText gets an insertion patch
// anchored where oldText sits; anything else is a standard unified diff.
func Diff(oldText, newText, path string) DiffResult {
	if path == "" {
		path = "file"
	}
	switch {
	case oldText == "" && newText == "":
		return DiffResult{Patch: emptyFileMarker, Kind: ChangeCreateEmpty}
	case oldText == newText:
		return DiffResult{Patch: noChangesMarker, Kind: ChangeUnchanged}
	case oldText == "":
		lines := splitLines(newText)
		return DiffResult{
			Patch:     wholeFilePatch(path, lines, "+", fmt.Sprintf("@@ -0,0 +1,%d @@", len(lines))),
			Additions: len(lines),
			Kind:      ChangeAddition,
		}
	case newText == "":
		lines := splitLines(oldText)
		return DiffResult{
			Patch:     wholeFilePatch(path, lines, "-", fmt.Sprintf("@@ -1,%d +0,0 @@", len(lines))),
			Deletions: len(lines),
			Kind:      ChangeDeletion,
		}
	}

	if res, ok := insertionPatch(oldText, newText, path); ok {
		return res
	}

	patch, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldText),
		B:        difflib.SplitLines(newText),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  diffContext,
	})
	if err != nil || patch == "" {
		return naiveDiff(oldText, newText, path)
	}
	patch = strings.TrimSuffix(patch, "\n")
	adds, dels := countChanges(patch)
	return DiffResult{Patch: patch, Additions: adds, Deletions: dels, Kind: ChangeModify}
}

func wholeFilePatch(path string, lines []string, prefix, hunk string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n%s", path, path, hunk)
	for _, line := range lines {
		b.WriteString("\n")
		b.WriteString(prefix)
		b.WriteString(line)
	}
	return b.String()
}

// insertionPatch handles newText that contains oldText verbatim, anchored at
// the substring's offset: old text at offset 0 is an append, old text at the
// end is a prepend, anything else inserts blocks before and after it. It
// reports false when the surrounding text does not split on line boundaries.
func insertionPatch(oldText, newText, path string) (DiffResult, bool) {
	idx := strings.Index(newText, oldText)
	if idx < 0 {
		return DiffResult{}, false
	}
	before, after := newText[:idx], newText[idx+len(oldText):]
	if before != "" && !strings.HasSuffix(before, "\n") {
		return DiffResult{}, false
	}
	if !strings.HasSuffix(oldText, "\n") && after != "" {
		if !strings.HasPrefix(after, "\n") {
			return DiffResult{}, false
		}
		after = after[1:]
	}

	head, tail := splitLines(before), splitLines(after)
	if len(head) == 0 && len(tail) == 0 {
		return DiffResult{}, false
	}
	kind := ChangeInsert
	switch {
	case len(head) == 0:
		kind = ChangeAppend
	case len(tail) == 0:
		kind = ChangePrepend
	}

	ops := make([]diffOp, 0, len(head)+len(tail)+strings.Count(oldText, "\n")+1)
	for _, line := range head {
		ops = append(ops, diffOp{'+', line})
	}
	for _, line := range splitLines(oldText) {
		ops = append(ops, diffOp{' ', line})
	}
	for _, line := range tail {
		ops = append(ops, diffOp{'+', line})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s", path, path)
	renderHunks(&b, ops)
	return DiffResult{Patch: b.String(), Additions: len(head) + len(tail), Kind: kind}, true
}

type diffOp struct {
	tag  byte
	text string
}

// renderHunks writes ops as unified hunks with diffContext lines of context,
// merging changes whose context windows touch.
func renderHunks(b *strings.Builder, ops []diffOp) {
	var changes []int
	for i, op := range ops {
		if op.tag != ' ' {
			changes = append(changes, i)
		}
	}
	for i := 0; i < len(changes); {
		j := i
		for j+1 < len(changes) && changes[j+1]-changes[j] <= 2*diffContext {
			j++
		}
		start := max(0, changes[i]-diffContext)
		end := min(len(ops), changes[j]+1+diffContext)

		oldStart, newStart := 1, 1
		for _, op := range ops[:start] {
			if op.tag != '+' {
				oldStart++
			}
			if op.tag != '-' {
				newStart++
			}
		}
		oldCount, newCount := 0, 0
		for _, op := range ops[start:end] {
			if op.tag != '+' {
				oldCount++
			}
			if op.tag != '-' {
				newCount++
			}
		}
		if oldCount == 0 {
			oldStart--
		}
		if newCount == 0 {
			newStart--
		}
		fmt.Fprintf(b, "\n@@ -%d,%d +%d,%d @@", oldStart, oldCount, newStart, newCount)
		for _, op := range ops[start:end] {
			b.WriteByte('\n')
			b.WriteByte(op.tag)
			b.WriteString(op.text)
		}
		i = j + 1
	}
}

// naiveDiff compares line by line at equal indexes.
func naiveDiff(oldText, newText, path string) DiffResult {
	oldLines := splitLines(oldText)
	newLines := splitLines(newText)
	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s", path, path)
	res := DiffResult{Kind: ChangeModify}
	for i := 0; i < max(len(oldLines), len(newLines)); i++ {
		switch {
		case i >= len(oldLines):
			b.WriteString("\n+" + newLines[i])
			res.Additions++
		case i >= len(newLines):
			b.WriteString("\n-" + oldLines[i])
			res.Deletions++
		case oldLines[i] != newLines[i]:
			b.WriteString("\n-" + oldLines[i] + "\n+" + newLines[i])
			res.Additions++
			res.Deletions++
		default:
			b.WriteString("\n " + oldLines[i])
		}
	}
	res.Patch = b.String()
	return res
}

// countChanges counts +/- lines inside hunks, skipping the file headers.
func countChanges(patch string) (adds, dels int) {
	inHunk := false
	for _, line := range strings.Split(patch, "\n") {
		if strings.HasPrefix(line, "@@") {
			inHunk = true
			continue
		}
		if !inHunk {
			continue
		}
		switch {
		case strings.HasPrefix(line, "+"):
			adds++
		case strings.HasPrefix(line, "-"):
			dels++
		}
	}
	return adds, dels
}

// DiffGenerator previews file edits and writes.
type DiffGenerator struct{}

func NewDiffGenerator() *DiffGenerator { return &DiffGenerator{} }

func (g *DiffGenerator) Name() string { return "diff" }

func (g *DiffGenerator) CanHandle(tool ToolDescriptor, raw any) bool {
	if diffTools.has(tool) {
		return true
	}
	m, ok := asMap(raw)
	return ok && hasAnyKey(m, "oldContent", "originalContent", "old_content") &&
		hasAnyKey(m, "newContent", "updatedContent", "new_content")
}

func (g *DiffGenerator) Generate(tool ToolDescriptor, args map[string]any, raw any, opts Options) (*types.Preview, error) {
	oldText, newText, err := diffInputs(args, raw)
	if err != nil {
		return nil, err
	}
	path := filePathArg(args, raw)
	res := Diff(oldText, newText, path)

	brief, truncated, _ := briefWithMarker(res.Patch, opts.MaxBriefLines)
	p := &types.Preview{
		ContentType:    types.PreviewDiff,
		BriefContent:   brief,
		HasFullContent: truncated,
		Metadata: map[string]any{
			"additions":  res.Additions,
			"deletions":  res.Deletions,
			"changeKind": res.Kind,
		},
	}
	if path != "" {
		p.Metadata["filePath"] = path
	}
	if opts.GenerateFullContent && truncated && opts.fits(res.Patch) {
		p.FullContent = res.Patch
	}
	return p, nil
}

func diffInputs(args map[string]any, raw any) (oldText, newText string, err error) {
	if m, ok := asMap(raw); ok {
		if hasAnyKey(m, "oldContent", "originalContent", "old_content") {
			return stringField(m, "oldContent", "originalContent", "old_content"),
				stringField(m, "newContent", "updatedContent", "new_content"), nil
		}
	}
	if hasAnyKey(args, "old_string", "new_string") {
		return stringField(args, "old_string"), stringField(args, "new_string"), nil
	}
	if content, ok := args["content"].(string); ok {
		return "", content, nil
	}
	return "", "", fmt.Errorf("no old or new content in result")
}
