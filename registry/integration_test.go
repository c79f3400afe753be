//go:build integration

package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/c360/connectgate/discovery"
	"github.com/c360/connectgate/natsclient"
	fixtures "github.com/c360/connectgate/testutil"
)

type KVRegistrySuite struct {
	suite.Suite
	tc      *natsclient.TestClient
	buckets int

	ctx    context.Context
	cancel context.CancelFunc
	store  *natsclient.KVStore
	holder *Holder
	done   chan error
}

func TestKVRegistrySuite(t *testing.T) {
	suite.Run(t, new(KVRegistrySuite))
}

func (s *KVRegistrySuite) SetupSuite() {
	s.tc = natsclient.NewTestClient(s.T(), natsclient.WithKVBuckets("contracts"))
}

// SetupTest publishes the employees tree into a fresh bucket and starts a
// watching holder over it.
func (s *KVRegistrySuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 30*time.Second)

	s.buckets++
	bucket := fmt.Sprintf("contracts_%d", s.buckets)
	var err error
	s.store, err = s.tc.KVStore(s.ctx, bucket)
	s.Require().NoError(err)
	for key, data := range fixtures.EmployeesFiles(s.T()) {
		_, err := s.store.Put(s.ctx, key, data)
		s.Require().NoError(err)
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := discovery.NewKVSource(s.store, bucket)
	s.holder = NewHolder(discovery.New(src, discovery.WithLogger(quiet)), WithLogger(quiet))
	_, err = s.holder.Initialize(s.ctx)
	s.Require().NoError(err)

	s.done = make(chan error, 1)
	go func() { s.done <- s.holder.WatchKV(s.ctx, s.store, 50*time.Millisecond) }()
	// let the watcher deliver its initial values before mutating the bucket
	time.Sleep(100 * time.Millisecond)
}

func (s *KVRegistrySuite) TearDownTest() {
	s.cancel()
	<-s.done
}

func (s *KVRegistrySuite) TestInitializeFromBucket() {
	s.Equal(StateReady, s.holder.State())
	s.Equal(4, s.holder.Current().Len())

	c, err := s.holder.Resolve("employees.v1.HrService", "GetEmployeeById")
	s.Require().NoError(err)
	s.Equal("/employees.v1.HrService/GetEmployeeById", c.Procedure())
}

func (s *KVRegistrySuite) TestPutSwapsRegistry() {
	_, err := s.store.Put(s.ctx, "employees/CountEmployees.graphql", []byte(extraOp))
	s.Require().NoError(err)

	s.Eventually(func() bool {
		return s.holder.Current().Len() == 5
	}, 10*time.Second, 50*time.Millisecond)
	s.Equal(OutcomeSwapped, s.holder.LastReport().Outcome)
}

func (s *KVRegistrySuite) TestBrokenPutKeepsRegistry() {
	before := s.holder.Current()

	_, err := s.store.Put(s.ctx, "employees/service.yaml", []byte("package: [not, a, name"))
	s.Require().NoError(err)

	s.Eventually(func() bool {
		return s.holder.LastReport().Outcome == OutcomeFailed
	}, 10*time.Second, 50*time.Millisecond)
	s.Same(before, s.holder.Current())
	s.Equal(StateReady, s.holder.State())
}

func (s *KVRegistrySuite) TestDeleteSwapsRegistry() {
	s.Require().NoError(s.store.Delete(s.ctx, "employees/FindEmployees.graphql"))

	s.Eventually(func() bool {
		return s.holder.Current().Len() == 3
	}, 10*time.Second, 50*time.Millisecond)

	_, err := s.holder.Resolve("employees.v1.HrService", "FindEmployees")
	s.Error(err)
}
