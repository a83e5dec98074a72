package workflow

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"

	"github.com/armadaproject/flowbench/internal/common/benchcontext"
	"github.com/armadaproject/flowbench/internal/store"
)

const (
	ShapeLinear   = "linear"
	ShapeStar     = "star"
	ShapeParallel = "parallel"
)

type definition struct {
	Id        string `yaml:"id"`
	StartDate string `yaml:"startDate"`
	EndDate   string `yaml:"endDate"`
	// If true the end date is the logical date of the last run the benchmark needs.
	EndDateFromMaxRuns bool                `yaml:"endDateFromMaxRuns"`
	Schedule           string              `yaml:"schedule"`
	MaxActiveRuns      int                 `yaml:"maxActiveRuns"`
	Tasks              []taskDefinition    `yaml:"tasks"`
	Generate           *generateDefinition `yaml:"generate"`
}

type taskDefinition struct {
	Id       string   `yaml:"id"`
	Upstream []string `yaml:"upstream"`
	Command  []string `yaml:"command"`
	Sleep    string   `yaml:"sleep"`
}

type generateDefinition struct {
	TaskCount int      `yaml:"taskCount"`
	Shape     string   `yaml:"shape"`
	Command   []string `yaml:"command"`
	Sleep     string   `yaml:"sleep"`
}

// Loader reads workflow definitions from yaml files.
type Loader struct {
	fs afero.Fs
	// Used to compute the end date of workflows with endDateFromMaxRuns set.
	maxRuns int
}

func NewLoader(fs afero.Fs, maxRuns int) *Loader {
	return &Loader{fs: fs, maxRuns: maxRuns}
}

// Load parses every .yaml or .yml file in dir. Every invalid definition is reported in the returned error.
func (l *Loader) Load(ctx *benchcontext.Context, dir string) (Bag, error) {
	infos, err := afero.ReadDir(l.fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading workflow directory %s", dir)
	}
	bag := make(Bag)
	var result *multierror.Error
	for _, info := range infos {
		ext := filepath.Ext(info.Name())
		if info.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, info.Name())
		w, err := l.LoadFile(path)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if _, exists := bag[w.Id]; exists {
			result = multierror.Append(result, errors.Errorf("%s: workflow %s is defined more than once", path, w.Id))
			continue
		}
		bag[w.Id] = w
		ctx.Log.Debugf("loaded workflow %s with %d tasks from %s", w.Id, len(w.Tasks), path)
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return bag, nil
}

// LoadFile parses a single definition file.
func (l *Loader) LoadFile(path string) (*Workflow, error) {
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	w, err := l.Parse(data)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return w, nil
}

// Parse converts a yaml definition into a validated Workflow.
func (l *Loader) Parse(data []byte) (*Workflow, error) {
	var def definition
	if err := yaml.UnmarshalStrict(data, &def); err != nil {
		return nil, errors.Wrap(err, "invalid workflow definition")
	}

	var result *multierror.Error
	w := &Workflow{Id: def.Id, MaxActiveRuns: def.MaxActiveRuns}
	if def.Id == "" {
		result = multierror.Append(result, errors.New("id must not be empty"))
	}
	if def.MaxActiveRuns < 0 {
		result = multierror.Append(result, errors.Errorf("maxActiveRuns must not be negative, got %d", def.MaxActiveRuns))
	}

	startDate, err := parseDate(def.StartDate)
	if err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "startDate"))
	}
	w.StartDate = startDate

	schedule, err := ParseSchedule(def.Schedule)
	if err != nil {
		result = multierror.Append(result, err)
	}
	w.Schedule = schedule

	tasks, err := buildTasks(def)
	if err != nil {
		result = multierror.Append(result, err)
	}
	w.Tasks = tasks

	if result.ErrorOrNil() != nil {
		return nil, result.ErrorOrNil()
	}

	switch {
	case def.EndDate != "" && def.EndDateFromMaxRuns:
		result = multierror.Append(result, errors.New("endDate and endDateFromMaxRuns are mutually exclusive"))
	case def.EndDate != "":
		endDate, err := parseDate(def.EndDate)
		if err != nil {
			result = multierror.Append(result, errors.WithMessage(err, "endDate"))
		} else if endDate.Before(w.StartDate) {
			result = multierror.Append(result, errors.Errorf("endDate %s is before startDate %s", def.EndDate, def.StartDate))
		} else {
			w.EndDate = &endDate
		}
	case def.EndDateFromMaxRuns:
		info := w.NthRunInfo(l.maxRuns)
		if info == nil {
			result = multierror.Append(result, errors.Errorf("schedule %s produces fewer than %d runs", w.Schedule, l.maxRuns))
		} else {
			endDate := info.LogicalDate
			w.EndDate = &endDate
		}
	}
	if err := validateGraph(w.Tasks); err != nil {
		result = multierror.Append(result, err)
	}
	if result.ErrorOrNil() != nil {
		return nil, result.ErrorOrNil()
	}
	return w, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("date must not be empty")
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return store.NormaliseTime(t), nil
		}
	}
	return time.Time{}, errors.Errorf("cannot parse %q as an RFC3339 timestamp or date", s)
}

func parseSleep(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid sleep %q", s)
	}
	return d, nil
}

func buildTasks(def definition) ([]*Task, error) {
	if def.Generate != nil {
		if len(def.Tasks) > 0 {
			return nil, errors.New("tasks and generate are mutually exclusive")
		}
		return generateTasks(*def.Generate)
	}
	var result *multierror.Error
	tasks := make([]*Task, len(def.Tasks))
	for i, td := range def.Tasks {
		sleep, err := parseSleep(td.Sleep)
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "task %s", td.Id))
		}
		tasks[i] = &Task{Id: td.Id, Upstream: td.Upstream, Command: td.Command, Sleep: sleep}
	}
	return tasks, result.ErrorOrNil()
}

// generateTasks builds a synthetic task graph of the requested shape:
// linear is a chain, parallel has no dependencies and star fans out from the first task and back into the last.
func generateTasks(gen generateDefinition) ([]*Task, error) {
	if gen.TaskCount < 1 {
		return nil, errors.Errorf("generate.taskCount must be at least 1, got %d", gen.TaskCount)
	}
	sleep, err := parseSleep(gen.Sleep)
	if err != nil {
		return nil, errors.WithMessage(err, "generate")
	}
	tasks := make([]*Task, gen.TaskCount)
	for i := range tasks {
		tasks[i] = &Task{Id: fmt.Sprintf("task_%d", i), Command: gen.Command, Sleep: sleep}
	}
	switch gen.Shape {
	case ShapeParallel:
	case ShapeLinear, "":
		for i := 1; i < len(tasks); i++ {
			tasks[i].Upstream = []string{tasks[i-1].Id}
		}
	case ShapeStar:
		last := len(tasks) - 1
		for i := 1; i < last; i++ {
			tasks[i].Upstream = []string{tasks[0].Id}
			tasks[last].Upstream = append(tasks[last].Upstream, tasks[i].Id)
		}
		if last == 1 {
			tasks[last].Upstream = []string{tasks[0].Id}
		}
	default:
		return nil, errors.Errorf(
			"unknown generate.shape %q; expected one of %s",
			gen.Shape, strings.Join([]string{ShapeLinear, ShapeStar, ShapeParallel}, ", "),
		)
	}
	return tasks, nil
}

// validateGraph checks task ids are unique and non-empty, upstreams exist and there are no cycles.
func validateGraph(tasks []*Task) error {
	var result *multierror.Error
	byId := make(map[string]*Task, len(tasks))
	for _, task := range tasks {
		if task.Id == "" {
			result = multierror.Append(result, errors.New("task id must not be empty"))
			continue
		}
		if _, exists := byId[task.Id]; exists {
			result = multierror.Append(result, errors.Errorf("task %s is defined more than once", task.Id))
			continue
		}
		byId[task.Id] = task
	}
	for _, task := range tasks {
		for _, upstream := range task.Upstream {
			if _, ok := byId[upstream]; !ok {
				result = multierror.Append(result, errors.Errorf("task %s has unknown upstream %s", task.Id, upstream))
			}
		}
	}
	if result.ErrorOrNil() != nil {
		return result
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	marks := make(map[string]int, len(tasks))
	var visit func(task *Task, path []string) error
	visit = func(task *Task, path []string) error {
		switch marks[task.Id] {
		case visited:
			return nil
		case visiting:
			return errors.Errorf("cycle detected: %s", strings.Join(append(path, task.Id), " -> "))
		}
		marks[task.Id] = visiting
		for _, upstream := range task.Upstream {
			if err := visit(byId[upstream], append(path, task.Id)); err != nil {
				return err
			}
		}
		marks[task.Id] = visited
		return nil
	}
	for _, task := range tasks {
		if err := visit(task, nil); err != nil {
			return err
		}
	}
	return nil
}
