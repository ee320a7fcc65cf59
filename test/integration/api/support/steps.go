package support

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cucumber/godog"

	"github.com/tandanlab/tandan/internal/testutil"
)

func (testCtx *TestContext) aGradingServerIsRunning() error {
	return testCtx.StartServer(1, "ripe")
}

func (testCtx *TestContext) aGradingServerDetectingBunches(count int, label string) error {
	return testCtx.StartServer(count, label)
}

func (testCtx *TestContext) aGradingServerDetectingNoBunches() error {
	return testCtx.StartServer(0, "")
}

func (testCtx *TestContext) iSendAGETRequestTo(path string) error {
	resp, err := http.Get(testCtx.HTTPServer.URL + path)
	if err != nil {
		return fmt.Errorf("GET %s failed: %w", path, err)
	}
	return testCtx.captureResponse(resp)
}

func (testCtx *TestContext) iSendADELETERequestTo(path string) error {
	req, err := http.NewRequest(http.MethodDelete, testCtx.HTTPServer.URL+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("DELETE %s failed: %w", path, err)
	}
	return testCtx.captureResponse(resp)
}

func (testCtx *TestContext) iPostJSONTo(path string, body *godog.DocString) error {
	resp, err := http.Post(testCtx.HTTPServer.URL+path, "application/json",
		strings.NewReader(body.Content))
	if err != nil {
		return fmt.Errorf("POST %s failed: %w", path, err)
	}
	return testCtx.captureResponse(resp)
}

func (testCtx *TestContext) iSubmitACameraFrameTo(path string) error {
	frame, err := testutil.PNGDataURL(64, 64)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{"image": frame})
	if err != nil {
		return err
	}
	resp, err := http.Post(testCtx.HTTPServer.URL+path, "application/json",
		strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("POST %s failed: %w", path, err)
	}
	return testCtx.captureResponse(resp)
}

func (testCtx *TestContext) captureResponse(resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	testCtx.LastStatusCode = resp.StatusCode
	testCtx.LastBody = string(body)
	testCtx.LastHeaders = resp.Header
	return nil
}

func (testCtx *TestContext) theResponseStatusShouldBe(status int) error {
	if testCtx.LastStatusCode != status {
		return fmt.Errorf("expected status %d, got %d (body: %s)",
			status, testCtx.LastStatusCode, testCtx.LastBody)
	}
	return nil
}

func (testCtx *TestContext) theResponseShouldContain(text string) error {
	if !strings.Contains(testCtx.LastBody, text) {
		return fmt.Errorf("response does not contain %q: %s", text, testCtx.LastBody)
	}
	return nil
}

func (testCtx *TestContext) theResponseShouldNotContain(text string) error {
	if strings.Contains(testCtx.LastBody, text) {
		return fmt.Errorf("response unexpectedly contains %q: %s", text, testCtx.LastBody)
	}
	return nil
}

func (testCtx *TestContext) theResponseFieldShouldEqual(field, want string) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(testCtx.LastBody), &payload); err != nil {
		return fmt.Errorf("response is not JSON: %w", err)
	}
	got, ok := payload[field]
	if !ok {
		return fmt.Errorf("response has no field %q: %s", field, testCtx.LastBody)
	}
	if fmt.Sprintf("%v", got) != want {
		return fmt.Errorf("field %q is %v, expected %s", field, got, want)
	}
	return nil
}

func (testCtx *TestContext) theGradingOutputFieldShouldEqual(field, want string) error {
	var payload struct {
		Output map[string]any `json:"output"`
	}
	if err := json.Unmarshal([]byte(testCtx.LastBody), &payload); err != nil {
		return fmt.Errorf("response is not JSON: %w", err)
	}
	got, ok := payload.Output[field]
	if !ok {
		return fmt.Errorf("grading output has no field %q: %s", field, testCtx.LastBody)
	}
	if fmt.Sprintf("%v", got) != want {
		return fmt.Errorf("output field %q is %v, expected %s", field, got, want)
	}
	return nil
}

func (testCtx *TestContext) theGradingHistoryShouldContainRecords(count int) error {
	if got := testCtx.History.Len(); got != count {
		return fmt.Errorf("history holds %d records, expected %d", got, count)
	}
	return nil
}

// RegisterGradingSteps wires the step definitions into the scenario.
func (testCtx *TestContext) RegisterGradingSteps(sc *godog.ScenarioContext) {
	sc.Step(`^a grading server is running$`, testCtx.aGradingServerIsRunning)
	sc.Step(`^a grading server detecting (\d+) "([^"]*)" bunches$`, testCtx.aGradingServerDetectingBunches)
	sc.Step(`^a grading server detecting no bunches$`, testCtx.aGradingServerDetectingNoBunches)
	sc.Step(`^I send a GET request to "([^"]*)"$`, testCtx.iSendAGETRequestTo)
	sc.Step(`^I send a DELETE request to "([^"]*)"$`, testCtx.iSendADELETERequestTo)
	sc.Step(`^I post JSON to "([^"]*)":$`, testCtx.iPostJSONTo)
	sc.Step(`^I submit a camera frame to "([^"]*)"$`, testCtx.iSubmitACameraFrameTo)
	sc.Step(`^the response status should be (\d+)$`, testCtx.theResponseStatusShouldBe)
	sc.Step(`^the response should contain "([^"]*)"$`, testCtx.theResponseShouldContain)
	sc.Step(`^the response should not contain "([^"]*)"$`, testCtx.theResponseShouldNotContain)
	sc.Step(`^the response field "([^"]*)" should equal "([^"]*)"$`, testCtx.theResponseFieldShouldEqual)
	sc.Step(`^the grading output field "([^"]*)" should equal "([^"]*)"$`, testCtx.theGradingOutputFieldShouldEqual)
	sc.Step(`^the grading history should contain (\d+) record\(s\)$`, testCtx.theGradingHistoryShouldContainRecords)
}
