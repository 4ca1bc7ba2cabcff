package soap

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/strefethen/go-upnp/internal/model"
)

func postAction(t *testing.T, d *Dispatcher, svc *model.Service, soapAction string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/control/SwitchPower", bytes.NewReader(body))
	if soapAction != "" {
		req.Header.Set("SOAPACTION", soapAction)
	}
	rec := httptest.NewRecorder()
	d.Handle(svc, rec, req)
	return rec
}

func TestDispatcher_SuccessfulInvocation(t *testing.T) {
	svc := switchPowerService(t)
	d := NewDispatcher()

	var got map[string]string
	d.Register(svc.ID, "SetTarget", func(ctx context.Context, req *Request) (map[string]string, error) {
		got = req.Args
		return nil, nil
	})

	body := BuildRequest(switchPowerType, "SetTarget", []Arg{{Name: "NewTargetValue", Value: "1"}})
	rec := postAction(t, d, svc, FormatSOAPAction(switchPowerType, "SetTarget"), body)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]string{"NewTargetValue": "1"}, got)

	args, err := ParseResponse(rec.Body.Bytes(), "SetTarget")
	require.NoError(t, err)
	require.Empty(t, args)
}

func TestDispatcher_OutputsInDeclaredOrder(t *testing.T) {
	svc := switchPowerService(t)
	d := NewDispatcher()
	d.Register(svc.ID, "GetStatus", func(ctx context.Context, req *Request) (map[string]string, error) {
		return map[string]string{"ResultStatus": "1"}, nil
	})

	body := BuildRequest(switchPowerType, "GetStatus", nil)
	rec := postAction(t, d, svc, FormatSOAPAction(switchPowerType, "GetStatus"), body)

	require.Equal(t, http.StatusOK, rec.Code)
	args, err := ParseResponse(rec.Body.Bytes(), "GetStatus")
	require.NoError(t, err)
	require.Equal(t, []Arg{{Name: "ResultStatus", Value: "1"}}, args)
}

func TestDispatcher_UnknownActionFault401(t *testing.T) {
	svc := switchPowerService(t)
	d := NewDispatcher()

	body := BuildRequest(switchPowerType, "Explode", nil)
	rec := postAction(t, d, svc, FormatSOAPAction(switchPowerType, "Explode"), body)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	code, _, ok := ParseFault(rec.Body.Bytes())
	require.True(t, ok)
	require.Equal(t, ErrCodeInvalidAction, code)
}

func TestDispatcher_ArgMismatchFault402(t *testing.T) {
	svc := switchPowerService(t)
	d := NewDispatcher()
	d.Register(svc.ID, "SetTarget", func(ctx context.Context, req *Request) (map[string]string, error) {
		return nil, nil
	})

	// Missing argument.
	body := BuildRequest(switchPowerType, "SetTarget", nil)
	rec := postAction(t, d, svc, FormatSOAPAction(switchPowerType, "SetTarget"), body)
	code, _, ok := ParseFault(rec.Body.Bytes())
	require.True(t, ok)
	require.Equal(t, ErrCodeInvalidArgs, code)

	// Extra argument.
	body = BuildRequest(switchPowerType, "SetTarget", []Arg{
		{Name: "NewTargetValue", Value: "1"},
		{Name: "Surplus", Value: "x"},
	})
	rec = postAction(t, d, svc, FormatSOAPAction(switchPowerType, "SetTarget"), body)
	code, _, ok = ParseFault(rec.Body.Bytes())
	require.True(t, ok)
	require.Equal(t, ErrCodeInvalidArgs, code)
}

func TestDispatcher_UncoercibleValueFault600(t *testing.T) {
	svc := switchPowerService(t)
	d := NewDispatcher()
	d.Register(svc.ID, "SetTarget", func(ctx context.Context, req *Request) (map[string]string, error) {
		return nil, nil
	})

	body := BuildRequest(switchPowerType, "SetTarget", []Arg{{Name: "NewTargetValue", Value: "purple"}})
	rec := postAction(t, d, svc, FormatSOAPAction(switchPowerType, "SetTarget"), body)
	code, _, ok := ParseFault(rec.Body.Bytes())
	require.True(t, ok)
	require.Equal(t, ErrCodeArgumentValueInvalid, code)
}

func TestDispatcher_VendorErrorCode(t *testing.T) {
	svc := switchPowerService(t)
	d := NewDispatcher()
	d.Register(svc.ID, "SetTarget", func(ctx context.Context, req *Request) (map[string]string, error) {
		return nil, &ActionError{Code: 718, Description: "Conflict"}
	})

	body := BuildRequest(switchPowerType, "SetTarget", []Arg{{Name: "NewTargetValue", Value: "1"}})
	rec := postAction(t, d, svc, FormatSOAPAction(switchPowerType, "SetTarget"), body)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	code, desc, ok := ParseFault(rec.Body.Bytes())
	require.True(t, ok)
	require.Equal(t, 718, code)
	require.Equal(t, "Conflict", desc)
}

func TestDispatcher_HandlerErrorBecomes501(t *testing.T) {
	svc := switchPowerService(t)
	d := NewDispatcher()
	d.Register(svc.ID, "SetTarget", func(ctx context.Context, req *Request) (map[string]string, error) {
		return nil, errors.New("boom")
	})

	body := BuildRequest(switchPowerType, "SetTarget", []Arg{{Name: "NewTargetValue", Value: "1"}})
	rec := postAction(t, d, svc, FormatSOAPAction(switchPowerType, "SetTarget"), body)
	code, _, ok := ParseFault(rec.Body.Bytes())
	require.True(t, ok)
	require.Equal(t, ErrCodeActionFailed, code)
}

func TestDispatcher_MissingSOAPActionIs400(t *testing.T) {
	svc := switchPowerService(t)
	d := NewDispatcher()

	body := BuildRequest(switchPowerType, "SetTarget", []Arg{{Name: "NewTargetValue", Value: "1"}})
	rec := postAction(t, d, svc, "", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispatcher_InvocationIDsAreMonotonic(t *testing.T) {
	svc := switchPowerService(t)
	d := NewDispatcher()

	var ids []uint64
	d.Register(svc.ID, "SetTarget", func(ctx context.Context, req *Request) (map[string]string, error) {
		ids = append(ids, req.InvocationID)
		return nil, nil
	})

	body := BuildRequest(switchPowerType, "SetTarget", []Arg{{Name: "NewTargetValue", Value: "1"}})
	for i := 0; i < 3; i++ {
		postAction(t, d, svc, FormatSOAPAction(switchPowerType, "SetTarget"), body)
	}
	require.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestDispatcher_DrainRejectsNewInvocations(t *testing.T) {
	svc := switchPowerService(t)
	d := NewDispatcher()
	d.Register(svc.ID, "SetTarget", func(ctx context.Context, req *Request) (map[string]string, error) {
		return nil, nil
	})

	d.BeginDrain()
	body := BuildRequest(switchPowerType, "SetTarget", []Arg{{Name: "NewTargetValue", Value: "1"}})
	rec := postAction(t, d, svc, FormatSOAPAction(switchPowerType, "SetTarget"), body)

	code, desc, ok := ParseFault(rec.Body.Bytes())
	require.True(t, ok)
	require.Equal(t, ErrCodeActionFailed, code)
	require.Equal(t, "Cancelled", desc)
	require.NoError(t, d.Wait(context.Background()))
}
