// Package pages contains the server-rendered page components.
package pages

import (
	"strconv"

	"taskhub/models"

	"github.com/rohanthewiz/element"
	"github.com/rohanthewiz/logger"
)

// RenderHistoryPage builds the operations history page: the most recent
// task history entries and conflict resolutions, newest first.
func RenderHistoryPage() string {
	entries, err := models.GetRecentHistory(50)
	if err != nil {
		logger.LogErr(err, "failed to load history for page")
	}
	conflicts, err := models.GetRecentConflicts(20)
	if err != nil {
		logger.LogErr(err, "failed to load conflicts for page")
	}

	b := element.NewBuilder()

	b.Html().R(
		b.Head().R(
			b.Title().T("TaskHub — Activity"),
			b.Style().T(pageStyles),
		),
		b.Body().R(
			b.Header("class", "banner").R(
				b.H1().T("TaskHub Activity"),
			),
			b.Main().R(
				element.RenderComponents(b,
					historyTable{Entries: entries},
					conflictTable{Entries: conflicts},
				),
			),
			b.Footer("class", "footer").R(
				b.P().T("TaskHub sync server"),
			),
		),
	)

	return b.String()
}

const pageStyles = `
body { font-family: sans-serif; margin: 0; background: #f5f5f0; color: #222; }
.banner { background: #2c3e50; color: white; padding: 16px 24px; }
.banner h1 { margin: 0; font-size: 1.3em; }
main { padding: 24px; }
h2 { color: #2c3e50; }
table { border-collapse: collapse; width: 100%; margin-bottom: 32px; background: white; }
th, td { border: 1px solid #ddd; padding: 6px 10px; text-align: left; font-size: 0.9em; }
th { background: #ecf0f1; }
.footer { padding: 12px 24px; color: #888; font-size: 0.8em; }
`

// historyTable renders recent task history entries.
type historyTable struct {
	Entries []models.TaskHistoryEntry
}

func (h historyTable) Render(b *element.Builder) any {
	b.H2().T("Recent Task History")
	b.Table().R(
		b.Tr().R(
			b.Th().T("Task"),
			b.Th().T("Action"),
			b.Th().T("When"),
			b.Th().T("Iteration"),
		),
		b.Wrap(func() {
			for _, e := range h.Entries {
				out := e.ToOutput()
				iteration := ""
				if out.IterationDate != nil {
					iteration = *out.IterationDate
				}
				b.Tr().R(
					b.Td().T(strconv.FormatInt(e.TaskID, 10)),
					b.Td().T(e.Action),
					b.Td().T(e.ActionTimestamp.Format("2006-01-02 15:04:05")),
					b.Td().T(iteration),
				)
			}
		}),
	)
	return nil
}

// conflictTable renders recent conflict resolutions.
type conflictTable struct {
	Entries []models.ConflictLogEntry
}

func (c conflictTable) Render(b *element.Builder) any {
	b.H2().T("Recent Conflict Resolutions")
	b.Table().R(
		b.Tr().R(
			b.Th().T("Entity"),
			b.Th().T("ID"),
			b.Th().T("Winner"),
			b.Th().T("Rule"),
			b.Th().T("Resolved"),
		),
		b.Wrap(func() {
			for _, e := range c.Entries {
				b.Tr().R(
					b.Td().T(e.EntityType),
					b.Td().T(strconv.FormatInt(e.EntityID, 10)),
					b.Td().T(e.Winner),
					b.Td().T(e.Rule),
					b.Td().T(e.ResolvedAt.Format("2006-01-02 15:04:05")),
				)
			}
		}),
	)
	return nil
}
