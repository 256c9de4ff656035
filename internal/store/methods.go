package store

import (
	"errors"
	"reflect"
	"strings"

	"github.com/bytedance/sonic"
	"gorm.io/gorm"

	"github.com/stackshq/stacks/pkg/bus"
	"github.com/stackshq/stacks/pkg/db"
	"github.com/stackshq/stacks/pkg/metadata"
	"github.com/stackshq/stacks/pkg/runtime"
)

// The five operations generated for every controlled class. Order is the
// registration order of the derived surface.
var crudOps = []string{"create", "retrieve", "search", "update", "delete"}

// staticMethods is the service's fixed surface: the transaction control
// methods bounding multi-call transactions on a worker's connection.
func staticMethods() []*runtime.MethodDef[*WorkerState] {
	return []*runtime.MethodDef[*WorkerState]{
		{
			Name:       "transaction.begin",
			Desc:       "Open a transaction on this worker's connection",
			ParamCount: runtime.ParamZero(),
			Handler:    handleBegin,
		},
		{
			Name:       "transaction.commit",
			Desc:       "Commit the open transaction",
			ParamCount: runtime.ParamZero(),
			Handler:    handleCommit,
		},
		{
			Name:       "transaction.rollback",
			Desc:       "Roll back the open transaction",
			ParamCount: runtime.ParamZero(),
			Handler:    handleRollback,
		},
	}
}

// stubTemplates maps each generated operation to its template definition.
// Derived method registration clones one template per class and operation;
// a missing template for any required operation aborts startup.
func stubTemplates() map[string]*runtime.MethodDef[*WorkerState] {
	return map[string]*runtime.MethodDef[*WorkerState]{
		"create": {
			Desc:       "Create one object",
			ParamCount: runtime.ParamExactly(1),
			Params:     []runtime.ParamDef{{Name: "object", Required: true, DataType: runtime.ParamObject}},
			Handler:    handleCreate,
		},
		"retrieve": {
			Desc:       "Retrieve one object by id",
			ParamCount: runtime.ParamExactly(1),
			Params:     []runtime.ParamDef{{Name: "id", Required: true, DataType: runtime.ParamNumber}},
			Handler:    handleRetrieve,
		},
		"search": {
			Desc:       "Search objects by field equality filter",
			ParamCount: runtime.ParamExactly(1),
			Params:     []runtime.ParamDef{{Name: "filter", Required: true, DataType: runtime.ParamObject}},
			Handler:    handleSearch,
		},
		"update": {
			Desc:       "Update one object",
			ParamCount: runtime.ParamExactly(1),
			Params:     []runtime.ParamDef{{Name: "object", Required: true, DataType: runtime.ParamObject}},
			Handler:    handleUpdate,
		},
		"delete": {
			Desc:       "Delete one object by id",
			ParamCount: runtime.ParamExactly(1),
			Params:     []runtime.ParamDef{{Name: "id", Required: true, DataType: runtime.ParamNumber}},
			Handler:    handleDelete,
		},
	}
}

func handleBegin(w *runtime.Worker[*WorkerState], ses *runtime.ServerSession, _ *bus.Call) error {
	if err := w.State().Conn().Begin(); err != nil {
		if errors.Is(err, db.ErrNested) {
			return runtime.Protocolf("transaction already in progress")
		}
		return err
	}
	return ses.Respond(1)
}

func handleCommit(w *runtime.Worker[*WorkerState], ses *runtime.ServerSession, _ *bus.Call) error {
	if err := w.State().Conn().Commit(); err != nil {
		if errors.Is(err, db.ErrNoTransaction) {
			return runtime.Protocolf("no transaction in progress")
		}
		return err
	}
	return ses.Respond(1)
}

func handleRollback(w *runtime.Worker[*WorkerState], ses *runtime.ServerSession, _ *bus.Call) error {
	if err := w.State().Conn().Rollback(); err != nil {
		if errors.Is(err, db.ErrNoTransaction) {
			return runtime.Protocolf("no transaction in progress")
		}
		return err
	}
	return ses.Respond(1)
}

// classFor resolves the object class a derived method call addresses from
// the call's own name: the segment between "<service>.direct." and the
// trailing operation is the class's dotted mapper id.
func classFor(w *runtime.Worker[*WorkerState], method string) (*metadata.Class, error) {
	prefix := w.Env().Service() + ".direct."
	rest, ok := strings.CutPrefix(method, prefix)
	if !ok {
		return nil, runtime.Protocolf("method %s is not a generated method", method)
	}
	idx := strings.LastIndex(rest, ".")
	if idx <= 0 {
		return nil, runtime.Protocolf("method %s is not a generated method", method)
	}
	mapper := rest[:idx]
	class, ok := w.Env().Metadata().ClassForMapper(mapper)
	if !ok {
		return nil, runtime.Protocolf("no class registered for mapper %s", mapper)
	}
	return class, nil
}

func handleCreate(w *runtime.Worker[*WorkerState], ses *runtime.ServerSession, call *bus.Call) error {
	class, err := classFor(w, call.Method)
	if err != nil {
		return err
	}
	obj, err := bus.Object(call.Params[0])
	if err != nil {
		return runtime.Protocolf("create expects an object: %v", err)
	}

	delete(obj, "id")
	data, err := sonic.Marshal(obj)
	if err != nil {
		return runtime.Protocolf("encoding %s object: %v", class.Name, err)
	}

	rec := Record{Class: class.Name, Data: string(data)}
	if res := w.State().Conn().Handle().Create(&rec); res.Error != nil {
		return runtime.Resourcef("creating %s: %v", class.Name, res.Error)
	}

	obj["id"] = rec.ID
	return ses.Respond(obj)
}

func handleRetrieve(w *runtime.Worker[*WorkerState], ses *runtime.ServerSession, call *bus.Call) error {
	class, err := classFor(w, call.Method)
	if err != nil {
		return err
	}
	id, err := bus.Int(call.Params[0])
	if err != nil {
		return runtime.Protocolf("retrieve expects an id: %v", err)
	}

	var rec Record
	res := w.State().Conn().Handle().Where("class = ? AND id = ?", class.Name, id).First(&rec)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return ses.Respond(nil)
		}
		return runtime.Resourcef("retrieving %s %d: %v", class.Name, id, res.Error)
	}

	obj, err := decodeRecord(&rec)
	if err != nil {
		return err
	}
	return ses.Respond(obj)
}

func handleSearch(w *runtime.Worker[*WorkerState], ses *runtime.ServerSession, call *bus.Call) error {
	class, err := classFor(w, call.Method)
	if err != nil {
		return err
	}
	filter, err := bus.Object(call.Params[0])
	if err != nil {
		return runtime.Protocolf("search expects a filter object: %v", err)
	}

	var recs []Record
	res := w.State().Conn().Handle().Where("class = ?", class.Name).Order("id").Find(&recs)
	if res.Error != nil {
		return runtime.Resourcef("searching %s: %v", class.Name, res.Error)
	}

	for i := range recs {
		obj, err := decodeRecord(&recs[i])
		if err != nil {
			return err
		}
		if matchesFilter(obj, filter) {
			if err := ses.Respond(obj); err != nil {
				return err
			}
		}
	}
	return nil
}

func handleUpdate(w *runtime.Worker[*WorkerState], ses *runtime.ServerSession, call *bus.Call) error {
	class, err := classFor(w, call.Method)
	if err != nil {
		return err
	}
	obj, err := bus.Object(call.Params[0])
	if err != nil {
		return runtime.Protocolf("update expects an object: %v", err)
	}
	id, err := bus.Int(obj["id"])
	if err != nil {
		return runtime.Protocolf("update expects an object with an id: %v", err)
	}

	body := make(map[string]any, len(obj))
	for k, v := range obj {
		if k != "id" {
			body[k] = v
		}
	}
	data, err := sonic.Marshal(body)
	if err != nil {
		return runtime.Protocolf("encoding %s object: %v", class.Name, err)
	}

	res := w.State().Conn().Handle().Model(&Record{}).
		Where("class = ? AND id = ?", class.Name, id).
		Update("data", string(data))
	if res.Error != nil {
		return runtime.Resourcef("updating %s %d: %v", class.Name, id, res.Error)
	}
	return ses.Respond(res.RowsAffected)
}

func handleDelete(w *runtime.Worker[*WorkerState], ses *runtime.ServerSession, call *bus.Call) error {
	class, err := classFor(w, call.Method)
	if err != nil {
		return err
	}
	id, err := bus.Int(call.Params[0])
	if err != nil {
		return runtime.Protocolf("delete expects an id: %v", err)
	}

	res := w.State().Conn().Handle().Where("class = ? AND id = ?", class.Name, id).Delete(&Record{})
	if res.Error != nil {
		return runtime.Resourcef("deleting %s %d: %v", class.Name, id, res.Error)
	}
	return ses.Respond(res.RowsAffected)
}

// decodeRecord reconstructs the stored object, re-attaching the row id.
func decodeRecord(rec *Record) (map[string]any, error) {
	var obj map[string]any
	if err := sonic.Unmarshal([]byte(rec.Data), &obj); err != nil {
		return nil, runtime.Resourcef("decoding %s record %d: %v", rec.Class, rec.ID, err)
	}
	obj["id"] = float64(rec.ID)
	return obj, nil
}

// matchesFilter reports whether every filter field compares equal to the
// corresponding object field. Values on both sides are JSON-shaped.
func matchesFilter(obj, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := obj[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
