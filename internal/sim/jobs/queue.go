package jobs

// Queue is a FIFO of distinct jobs. It never blocks.
type Queue struct {
	jobs      []*Job
	set       map[*Job]struct{}
	onCreated func(*Job)
}

// NewQueue returns an empty queue. onCreated, if set, fires once per first-time Enqueue.
func NewQueue(onCreated func(*Job)) *Queue {
	return &Queue{set: map[*Job]struct{}{}, onCreated: onCreated}
}

// Enqueue appends j unless it is already queued, in which case it reports false.
func (q *Queue) Enqueue(j *Job) bool {
	if !q.Adopt(j) {
		return false
	}
	if q.onCreated != nil {
		q.onCreated(j)
	}
	return true
}

// Adopt appends j like Enqueue but without the creation notification. It is used when jobs move
// between queues.
func (q *Queue) Adopt(j *Job) bool {
	if j == nil {
		return false
	}
	if _, ok := q.set[j]; ok {
		return false
	}
	q.set[j] = struct{}{}
	q.jobs = append(q.jobs, j)
	return true
}

// Dequeue pops the oldest job, or nil when empty.
func (q *Queue) Dequeue() *Job {
	for len(q.jobs) > 0 {
		j := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		delete(q.set, j)
		if j.Done() {
			continue
		}
		return j
	}
	return nil
}

func (q *Queue) Remove(j *Job) bool {
	if _, ok := q.set[j]; !ok {
		return false
	}
	delete(q.set, j)
	for i, x := range q.jobs {
		if x == j {
			q.jobs = append(q.jobs[:i:i], q.jobs[i+1:]...)
			break
		}
	}
	return true
}

func (q *Queue) Contains(j *Job) bool {
	_, ok := q.set[j]
	return ok
}

func (q *Queue) Len() int { return len(q.jobs) }

// Jobs returns the queued jobs oldest first.
func (q *Queue) Jobs() []*Job { return append([]*Job(nil), q.jobs...) }

// Drain empties the queue and returns its former contents oldest first.
func (q *Queue) Drain() []*Job {
	out := q.jobs
	q.jobs = nil
	q.set = map[*Job]struct{}{}
	return out
}
