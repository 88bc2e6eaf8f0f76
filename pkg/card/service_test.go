package card

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiCall struct {
	Method string
	Path   string
	Body   map[string]any
}

type fakeAPI struct {
	mu     sync.Mutex
	calls  []apiCall
	failOn string
	// failStatus fails only the instance update carrying this flowStatus.
	failStatus string
}

func (f *fakeAPI) Call(_ context.Context, method, path string, body any, _ url.Values) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Path: path, Body: decoded})
	f.mu.Unlock()
	if f.failOn == path {
		return nil, errors.New("boom")
	}
	if f.failStatus != "" && path == instancesPath && method == http.MethodPut {
		data, _ := decoded["cardData"].(map[string]any)
		params, _ := data["cardParamMap"].(map[string]any)
		if params["flowStatus"] == f.failStatus {
			return nil, errors.New("status rejected")
		}
	}
	return json.RawMessage("{}"), nil
}

func (f *fakeAPI) Calls() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "id-" + strconv.Itoa(n)
	}
}

func paramMap(t *testing.T, c apiCall) map[string]any {
	t.Helper()
	data, ok := c.Body["cardData"].(map[string]any)
	require.True(t, ok, "cardData missing in %v", c.Body)
	params, ok := data["cardParamMap"].(map[string]any)
	require.True(t, ok, "cardParamMap missing in %v", c.Body)
	return params
}

func TestService_CreateDeliversToSpace(t *testing.T) {
	tests := []struct {
		isGroup bool
		space   string
	}{
		{true, "dtv1.card//IM_GROUP.cidG"},
		{false, "dtv1.card//IM_ROBOT.cidG"},
	}
	for _, tt := range tests {
		api := &fakeAPI{}
		svc := NewService(api, WithIDGenerator(sequentialIDs()))

		inst := svc.Create(t.Context(), "cidG", tt.isGroup)
		require.NotNil(t, inst)
		assert.Equal(t, "id-1", inst.ID)

		calls := api.Calls()
		require.Len(t, calls, 2)
		assert.Equal(t, instancesPath, calls[0].Path)
		assert.Equal(t, "POST", calls[0].Method)
		assert.Equal(t, "382e4302-551d-4880-bf29-a30acfab2e71.schema", calls[0].Body["cardTemplateId"])
		assert.Equal(t, "STREAM", calls[0].Body["callbackType"])
		assert.Equal(t, "id-1", calls[0].Body["outTrackId"])
		assert.Equal(t, deliverPath, calls[1].Path)
		assert.Equal(t, tt.space, calls[1].Body["openSpaceId"])
	}
}

func TestService_CreateFailureReturnsNil(t *testing.T) {
	for _, path := range []string{instancesPath, deliverPath} {
		api := &fakeAPI{failOn: path}
		svc := NewService(api)
		assert.Nil(t, svc.Create(t.Context(), "cid", false), "failing %s", path)
	}
}

func TestService_InputingStartsOnce(t *testing.T) {
	api := &fakeAPI{}
	svc := NewService(api, WithIDGenerator(sequentialIDs()), WithTemplateID("tpl.schema"))
	inst := svc.Create(t.Context(), "cid", false)
	require.NotNil(t, inst)

	require.NoError(t, svc.Stream(t.Context(), inst, "He", false))
	require.NoError(t, svc.Stream(t.Context(), inst, "Hello", false))
	require.NoError(t, svc.Finish(t.Context(), inst, "Hello world"))

	calls := api.Calls()[2:]
	paths := make([]string, len(calls))
	for i, c := range calls {
		paths[i] = c.Method + " " + c.Path
	}
	assert.Equal(t, []string{
		"PUT " + instancesPath,
		"PUT " + streamingPath,
		"PUT " + streamingPath,
		"PUT " + streamingPath,
		"PUT " + instancesPath,
	}, paths)

	inputing := paramMap(t, calls[0])
	assert.Equal(t, "2", inputing["flowStatus"])
	assert.Equal(t, "", inputing["msgContent"])
	assert.Equal(t, `{"order":["msgContent"]}`, inputing["sys_full_json_obj"])

	first := calls[1].Body
	assert.Equal(t, "msgContent", first["key"])
	assert.Equal(t, "He", first["content"])
	assert.Equal(t, true, first["isFull"])
	assert.Equal(t, false, first["isFinalize"])
	assert.Equal(t, false, first["isError"])
	assert.NotEqual(t, first["guid"], calls[2].Body["guid"])

	final := calls[3].Body
	assert.Equal(t, "Hello world", final["content"])
	assert.Equal(t, true, final["isFinalize"])

	finished := paramMap(t, calls[4])
	assert.Equal(t, "3", finished["flowStatus"])
	assert.Equal(t, "Hello world", finished["msgContent"])

	assert.True(t, inst.Finalized())
	assert.Error(t, svc.Stream(t.Context(), inst, "late", false))
}

func TestService_FinishWithoutPriorStream(t *testing.T) {
	api := &fakeAPI{}
	svc := NewService(api)
	inst := &Instance{ID: "card-x"}

	require.NoError(t, svc.Finish(t.Context(), inst, "done"))

	calls := api.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "2", paramMap(t, calls[0])["flowStatus"])
	assert.Equal(t, true, calls[1].Body["isFinalize"])
	assert.Equal(t, "3", paramMap(t, calls[2])["flowStatus"])
}

func TestService_FinishStatusFailureKeepsContent(t *testing.T) {
	api := &fakeAPI{failStatus: string(StatusFinished)}
	svc := NewService(api)
	inst := &Instance{ID: "card-x"}

	require.NoError(t, svc.Finish(t.Context(), inst, "done"))
	assert.True(t, inst.Finalized())

	calls := api.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, true, calls[1].Body["isFinalize"])
	assert.Equal(t, "3", paramMap(t, calls[2])["flowStatus"])
}

func TestService_FinishStreamFailureReturnsError(t *testing.T) {
	api := &fakeAPI{failOn: streamingPath}
	svc := NewService(api)
	inst := &Instance{ID: "card-x"}

	assert.Error(t, svc.Finish(t.Context(), inst, "done"))
	assert.False(t, inst.Finalized())
}

func TestOpenSpaceID(t *testing.T) {
	assert.Equal(t, "dtv1.card//IM_GROUP.cid1", OpenSpaceID("cid1", true))
	assert.Equal(t, "dtv1.card//IM_ROBOT.cid1", OpenSpaceID("cid1", false))
}
