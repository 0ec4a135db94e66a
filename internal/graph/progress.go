package graph

import (
	"context"
	"sort"

	"github.com/sibylhq/sibyl/pkg/models"
)

// GetTasksForEpic walks the BELONGS_TO edges into epicID and returns the
// task entities on the other end, optionally filtered by status.
func (m *Manager) GetTasksForEpic(ctx context.Context, rels *RelationshipManager, epicID, status string, limit int) ([]models.Entity, error) {
	related, err := rels.GetRelatedEntities(ctx, epicID, []models.RelationshipKind{models.RelBelongsTo}, 1, 0, m.store)
	if err != nil {
		return nil, err
	}
	var out []models.Entity
	for _, re := range related {
		if re.Entity.Kind != models.EntityTask {
			continue
		}
		if status != "" && stringProp(re.Entity, "status") != status {
			continue
		}
		out = append(out, re.Entity)
	}
	sortEntitiesNewestFirst(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// EpicProgress aggregates task-status counts and a completion percentage.
type EpicProgress struct {
	EpicID      string         `json:"epic_id"`
	TotalTasks  int            `json:"total_tasks"`
	ByStatus    map[string]int `json:"by_status"`
	CompletePct float64        `json:"complete_pct"`
}

func (m *Manager) GetEpicProgress(ctx context.Context, rels *RelationshipManager, epicID string) (*EpicProgress, error) {
	tasks, err := m.GetTasksForEpic(ctx, rels, epicID, "", 0)
	if err != nil {
		return nil, err
	}

	progress := &EpicProgress{EpicID: epicID, ByStatus: make(map[string]int)}
	for _, t := range tasks {
		progress.TotalTasks++
		progress.ByStatus[stringProp(t, "status")]++
	}
	if progress.TotalTasks > 0 {
		progress.CompletePct = float64(progress.ByStatus[string(models.TaskDone)]) / float64(progress.TotalTasks) * 100
	}
	return progress, nil
}

// ProjectSummary is a curated, prioritized snapshot of a project's state.
type ProjectSummary struct {
	ProjectID     string           `json:"project_id"`
	StatusCounts  map[string]int   `json:"status_counts"`
	ActionableTop []models.Entity  `json:"actionable_tasks"`
	CriticalTop   []models.Entity  `json:"critical_tasks"`
	Epics         []EpicProgress   `json:"epics"`
}

// actionableRank orders tasks by precedence: doing > blocked > review >
// most-recent, matching the curated ordering the spec requires.
var actionableRank = map[models.TaskStatus]int{
	models.TaskDoing:   0,
	models.TaskBlocked: 1,
	models.TaskReview:  2,
}

func (m *Manager) GetProjectSummary(ctx context.Context, rels *RelationshipManager, projectID string, actionableLimit, criticalLimit, epicLimit int) (*ProjectSummary, error) {
	related, err := rels.GetRelatedEntities(ctx, projectID, []models.RelationshipKind{models.RelBelongsTo}, 1, 0, m.store)
	if err != nil {
		return nil, err
	}

	summary := &ProjectSummary{ProjectID: projectID, StatusCounts: make(map[string]int)}

	var tasks, epics []models.Entity
	for _, re := range related {
		switch re.Entity.Kind {
		case models.EntityTask:
			tasks = append(tasks, re.Entity)
			summary.StatusCounts[stringProp(re.Entity, "status")]++
		case models.EntityEpic:
			epics = append(epics, re.Entity)
		}
	}

	actionable := make([]models.Entity, len(tasks))
	copy(actionable, tasks)
	sort.SliceStable(actionable, func(i, j int) bool {
		ri, oki := actionableRank[models.TaskStatus(stringProp(actionable[i], "status"))]
		rj, okj := actionableRank[models.TaskStatus(stringProp(actionable[j], "status"))]
		if !oki {
			ri = len(actionableRank)
		}
		if !okj {
			rj = len(actionableRank)
		}
		if ri != rj {
			return ri < rj
		}
		return actionable[i].UpdatedAt.After(actionable[j].UpdatedAt)
	})
	if actionableLimit > 0 && actionableLimit < len(actionable) {
		actionable = actionable[:actionableLimit]
	}
	summary.ActionableTop = actionable

	var critical []models.Entity
	for _, t := range tasks {
		p := models.Priority(stringProp(t, "priority"))
		s := models.TaskStatus(stringProp(t, "status"))
		if (p == models.PriorityCritical || p == models.PriorityHigh) && s != models.TaskDone && s != models.TaskArchived {
			critical = append(critical, t)
		}
	}
	sort.Slice(critical, func(i, j int) bool { return critical[i].UpdatedAt.After(critical[j].UpdatedAt) })
	if criticalLimit > 0 && criticalLimit < len(critical) {
		critical = critical[:criticalLimit]
	}
	summary.CriticalTop = critical

	sortEntitiesNewestFirst(epics)
	if epicLimit > 0 && epicLimit < len(epics) {
		epics = epics[:epicLimit]
	}
	for _, e := range epics {
		progress, err := m.GetEpicProgress(ctx, rels, e.ID)
		if err != nil {
			continue
		}
		summary.Epics = append(summary.Epics, *progress)
	}

	return summary, nil
}

func sortEntitiesNewestFirst(es []models.Entity) {
	sort.Slice(es, func(i, j int) bool { return es[i].UpdatedAt.After(es[j].UpdatedAt) })
}
