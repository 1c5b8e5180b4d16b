package task

// Listener receives task notifications. All methods run on the manager's
// dispatch goroutine (or through its Executor), one at a time.
type Listener interface {
	TaskCreated(t *Task)
	ProgressUpdated(t *Task, percent int)
	ExecutionFinished(t *Task, result any)
	ExecutionFailed(t *Task, err error)
	ExecutionCanceled(t *Task)
}

// ListenerFuncs adapts optional functions to Listener. Register it by
// pointer so RemoveListener can find it again.
type ListenerFuncs struct {
	OnCreated  func(t *Task)
	OnProgress func(t *Task, percent int)
	OnFinished func(t *Task, result any)
	OnFailed   func(t *Task, err error)
	OnCanceled func(t *Task)
}

func (l *ListenerFuncs) TaskCreated(t *Task) {
	if l.OnCreated != nil {
		l.OnCreated(t)
	}
}

func (l *ListenerFuncs) ProgressUpdated(t *Task, percent int) {
	if l.OnProgress != nil {
		l.OnProgress(t, percent)
	}
}

func (l *ListenerFuncs) ExecutionFinished(t *Task, result any) {
	if l.OnFinished != nil {
		l.OnFinished(t, result)
	}
}

func (l *ListenerFuncs) ExecutionFailed(t *Task, err error) {
	if l.OnFailed != nil {
		l.OnFailed(t, err)
	}
}

func (l *ListenerFuncs) ExecutionCanceled(t *Task) {
	if l.OnCanceled != nil {
		l.OnCanceled(t)
	}
}
