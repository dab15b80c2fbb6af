package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// getJSON fetches addr+path and decodes the 2xx body into out.
func getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("sessiond get %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
