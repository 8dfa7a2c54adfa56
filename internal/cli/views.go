package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/objgraph/internal/attr"
	"github.com/roach88/objgraph/internal/graph"
	"github.com/roach88/objgraph/internal/store"
)

// ObjectView is the printable form of one managed object.
type ObjectView struct {
	ID         string   `json:"id"`
	Entity     string   `json:"entity"`
	Version    int64    `json:"version"`
	Attributes attr.Map `json:"attributes"`
}

func newObjectView(obj *graph.ManagedObject) ObjectView {
	return ObjectView{
		ID:         obj.ID(),
		Entity:     obj.Entity(),
		Version:    obj.Version(),
		Attributes: obj.Attributes(),
	}
}

func (v ObjectView) String() string {
	body, err := attr.MarshalCanonical(v.Attributes)
	if err != nil {
		body = []byte(fmt.Sprintf("%v", v.Attributes))
	}
	return fmt.Sprintf("%s %s %s %s", v.Entity, v.ID, dimLabel(fmt.Sprintf("v%d", v.Version)), body)
}

// ObjectList is the printable form of a fetch.
type ObjectList []ObjectView

func (l ObjectList) String() string {
	if len(l) == 0 {
		return "no objects"
	}
	lines := make([]string, len(l))
	for i, v := range l {
		lines[i] = v.String()
	}
	return strings.Join(lines, "\n")
}

// DiscardedObject names one object a save dropped and why.
type DiscardedObject struct {
	ID        string `json:"id"`
	Entity    string `json:"entity"`
	Attribute string `json:"attribute,omitempty"`
	Reason    string `json:"reason"`
}

// SaveResult is the printable outcome of one PerformUpdates job.
type SaveResult struct {
	Outcome   string            `json:"outcome"`
	Seq       int64             `json:"seq,omitempty"`
	Inserted  []string          `json:"inserted,omitempty"`
	Updated   []string          `json:"updated,omitempty"`
	Deleted   []string          `json:"deleted,omitempty"`
	Discarded []DiscardedObject `json:"discarded,omitempty"`
}

func newSaveResult(n graph.SaveNotification) SaveResult {
	res := SaveResult{Outcome: "ok"}
	if n.Merge != nil {
		res.Seq = n.Merge.Seq
		res.Inserted = n.Merge.Inserted
		res.Updated = n.Merge.Updated
		res.Deleted = n.Merge.Deleted
	}
	if n.Degraded() {
		res.Outcome = "degraded"
		for _, err := range n.Discarded.Errors {
			var ve *graph.ValidationError
			if errors.As(err, &ve) {
				res.Discarded = append(res.Discarded, DiscardedObject{
					ID:        ve.Object,
					Entity:    ve.Entity,
					Attribute: ve.Attribute,
					Reason:    ve.Reason,
				})
			}
		}
	}
	return res
}

func (r SaveResult) String() string {
	var b strings.Builder
	label := okLabel(r.Outcome)
	if r.Outcome != "ok" {
		label = degradedLabel(r.Outcome)
	}
	if r.Seq > 0 {
		fmt.Fprintf(&b, "%s commit %d", label, r.Seq)
	} else {
		fmt.Fprintf(&b, "%s nothing committed", label)
	}
	for _, group := range []struct {
		name string
		ids  []string
	}{{"inserted", r.Inserted}, {"updated", r.Updated}, {"deleted", r.Deleted}} {
		if len(group.ids) > 0 {
			fmt.Fprintf(&b, "\n  %s %s", group.name, strings.Join(group.ids, ", "))
		}
	}
	for _, d := range r.Discarded {
		if d.Attribute != "" {
			fmt.Fprintf(&b, "\n  discarded %s %s: %s: %s", d.Entity, d.ID, d.Attribute, d.Reason)
		} else {
			fmt.Fprintf(&b, "\n  discarded %s %s: %s", d.Entity, d.ID, d.Reason)
		}
	}
	return b.String()
}

// CommitView is one commit log entry, optionally with its object changes.
type CommitView struct {
	Seq      int64        `json:"seq"`
	Inserted int          `json:"inserted"`
	Updated  int          `json:"updated"`
	Deleted  int          `json:"deleted"`
	Changes  []ChangeView `json:"changes,omitempty"`
}

// ChangeView is one object's entry in a commit.
type ChangeView struct {
	ObjectID string `json:"object_id"`
	Entity   string `json:"entity"`
	Change   string `json:"change"`
}

func newCommitView(c store.Commit, changes []store.Change) CommitView {
	v := CommitView{Seq: c.Seq, Inserted: c.Inserted, Updated: c.Updated, Deleted: c.Deleted}
	for _, ch := range changes {
		v.Changes = append(v.Changes, ChangeView{ObjectID: ch.ObjectID, Entity: ch.Entity, Change: ch.Change})
	}
	return v
}

// CommitLog is the printable commit log, newest first.
type CommitLog []CommitView

func (l CommitLog) String() string {
	if len(l) == 0 {
		return "no commits"
	}
	var b strings.Builder
	for i, c := range l {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "commit %d: %d inserted, %d updated, %d deleted", c.Seq, c.Inserted, c.Updated, c.Deleted)
		for _, ch := range c.Changes {
			fmt.Fprintf(&b, "\n  %-8s %s %s", ch.Change, ch.Entity, ch.ObjectID)
		}
	}
	return b.String()
}
