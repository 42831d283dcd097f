package session

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/signond/signond/pkg/pluginhost"
	"github.com/signond/signond/pkg/session/mocks"
)

func TestSessionProcessMech2UsesMockedMediator(t *testing.T) {
	withHelperEnv(t)
	ctrl := gomock.NewController(t)
	ui := mocks.NewMockUIMediator(ctrl)
	ui.EXPECT().
		Query(gomock.Any(), "ck3", gomock.Any()).
		Return(pluginhost.SessionData{"UserName": "from-mock"}, nil)

	r := newTestRegistry(t, ui)
	s := r.GetOrCreate(Transient, "ssotest")

	reply := s.Process("ck3", "mech2", pluginhost.SessionData{})
	select {
	case res := <-reply:
		if res.Err != nil {
			t.Fatalf("Process() error = %v", res.Err)
		}
		if res.Data["UserName"] != "from-mock" {
			t.Errorf("UserName = %v, want from-mock", res.Data["UserName"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestSessionProcessMech2MediatorFailureStillRepliesViaHost(t *testing.T) {
	withHelperEnv(t)
	ctrl := gomock.NewController(t)
	ui := mocks.NewMockUIMediator(ctrl)
	ui.EXPECT().
		Query(gomock.Any(), "ck4", gomock.Any()).
		Return(nil, errors.New("no ui available"))

	r := newTestRegistry(t, ui)
	s := r.GetOrCreate(Transient, "ssotest")

	reply := s.Process("ck4", "mech2", pluginhost.SessionData{})
	select {
	case res := <-reply:
		if res.Err != nil {
			t.Fatalf("Process() error = %v", res.Err)
		}
		if res.Data["UserName"] != nil {
			t.Errorf("UserName = %v, want nil (mediator signaled no-ui)", res.Data["UserName"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}
