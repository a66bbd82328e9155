// Package seeder generates fake tasks and drives them through the core API so
// a local stack has events flowing through every handler.
package seeder

import (
	"fmt"
	"strings"

	"github.com/brianvoe/gofakeit/v6"
)

var tagPool = []string{
	"backend", "frontend", "infra", "docs", "bug", "feature",
	"urgent", "q3", "security", "oncall", "billing", "launch",
}

// TaskSpec is one generated task plus the follow-up work to run against it.
type TaskSpec struct {
	Title       string
	Description string
	Assignee    string
	// Update, when set, is applied as a second revision of the task.
	Update *UpdateSpec
	// Attachment, when set, is uploaded after creation.
	Attachment *AttachmentSpec
}

type UpdateSpec struct {
	Title  string
	Status string
}

type AttachmentSpec struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Generator produces deterministic task specs for a given seed.
type Generator struct {
	faker           *gofakeit.Faker
	updateRatio     float64
	attachmentRatio float64
}

func NewGenerator(seed int64, updateRatio, attachmentRatio float64) *Generator {
	return &Generator{
		faker:           gofakeit.New(seed),
		updateRatio:     updateRatio,
		attachmentRatio: attachmentRatio,
	}
}

func (g *Generator) Next() TaskSpec {
	f := g.faker
	spec := TaskSpec{
		Title:       g.title(),
		Description: f.Sentence(12) + " " + g.tags(),
		Assignee:    strings.ToLower(f.Username()),
	}
	if f.Float64Range(0, 1) < g.updateRatio {
		spec.Update = &UpdateSpec{
			Title:  g.title(),
			Status: f.RandomString([]string{"in_progress", "done"}),
		}
	}
	if f.Float64Range(0, 1) < g.attachmentRatio {
		spec.Attachment = g.attachment()
	}
	return spec
}

func (g *Generator) title() string {
	f := g.faker
	return fmt.Sprintf("%s %s %s", f.HackerVerb(), f.HackerAdjective(), f.HackerNoun())
}

func (g *Generator) tags() string {
	n := g.faker.Number(0, 3)
	if n == 0 {
		return ""
	}
	picked := make([]string, 0, n)
	for range n {
		picked = append(picked, "#"+g.faker.RandomString(tagPool))
	}
	return strings.Join(picked, " ")
}

func (g *Generator) attachment() *AttachmentSpec {
	f := g.faker
	if f.Bool() {
		return &AttachmentSpec{
			Filename:    f.Word() + ".txt",
			ContentType: "text/plain",
			Data:        []byte(f.Paragraph(2, 4, 12, "\n")),
		}
	}
	return &AttachmentSpec{
		Filename:    f.Word() + ".json",
		ContentType: "application/json",
		Data: []byte(fmt.Sprintf(`{"build":%q,"ok":%t,"duration_ms":%d}`,
			f.AppVersion(), f.Bool(), f.Number(10, 90000))),
	}
}
