package goble

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialQueueRunsJobsInOrder(t *testing.T) {
	// GOAL: Verify jobs run one at a time in submission order
	//
	// TEST SCENARIO: Submit 100 jobs from one goroutine → close → every job ran in order

	q := newSerialQueue("test", logrus.New())

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		q.submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	q.close()

	select {
	case <-q.done():
	case <-time.After(2 * time.Second):
		t.Fatal("queue MUST stop after close")
	}

	require.Len(t, got, 100, "every job submitted before close MUST run")
	for i, v := range got {
		assert.Equal(t, i, v, "jobs MUST run in submission order")
	}
}

func TestSerialQueueSubmitDoesNotBlock(t *testing.T) {
	// GOAL: Verify a blocked job does not stall submitters
	//
	// TEST SCENARIO: First job blocks → 1000 more submits return at once → release → all ran

	q := newSerialQueue("test", logrus.New())
	release := make(chan struct{})
	q.submit(func() { <-release })

	var ran sync.WaitGroup
	ran.Add(1000)
	submitted := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			q.submit(ran.Done)
		}
		close(submitted)
	}()

	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("submit MUST NOT block behind a running job")
	}

	close(release)
	ran.Wait()
	q.close()
	<-q.done()
}

func TestSerialQueueSurvivesPanicsAndDropsAfterClose(t *testing.T) {
	// GOAL: Verify a panicking job does not kill the queue and late jobs are dropped
	//
	// TEST SCENARIO: Panicking job → next job still runs → close → submit after close never runs

	q := newSerialQueue("test", logrus.New())
	ran := make(chan struct{})
	q.submit(func() { panic("boom") })
	q.submit(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("queue MUST keep running after a job panics")
	}

	q.close()
	<-q.done()

	late := false
	q.submit(func() { late = true })
	time.Sleep(20 * time.Millisecond)
	assert.False(t, late, "jobs submitted after close MUST be dropped")
}
