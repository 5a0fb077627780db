package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// ParseJSON decodes JSON from the request body into the destination
func ParseJSON(r *http.Request, dest interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes JSON and writes error response on failure
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteBadRequest(w, err.Error())
		return false
	}
	return true
}

// ParsePathInt64 extracts and parses an int64 path parameter
func ParsePathInt64(r *http.Request, key string) (int64, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return 0, fmt.Errorf("missing path parameter: %s", key)
	}
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil || val <= 0 {
		return 0, fmt.Errorf("invalid id for %s: %s", key, str)
	}
	return val, nil
}

// ParsePathInt64OrError extracts an int64 path parameter and writes error on failure
func ParsePathInt64OrError(w http.ResponseWriter, r *http.Request, key string) (int64, bool) {
	val, err := ParsePathInt64(r, key)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return 0, false
	}
	return val, true
}

// ParseQueryBool extracts and parses a boolean query parameter
func ParseQueryBool(r *http.Request, key string, defaultVal bool) (bool, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.ParseBool(str)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for query param %s: %s", key, str)
	}
	return val, nil
}

// ParseQueryBoolOrError extracts a boolean query parameter and writes error on failure
func ParseQueryBoolOrError(w http.ResponseWriter, r *http.Request, key string, defaultVal bool) (bool, bool) {
	val, err := ParseQueryBool(r, key, defaultVal)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return false, false
	}
	return val, true
}

// ParseHeaderInt64 parses a positive integer header. ok is false when the
// header is absent.
func ParseHeaderInt64(r *http.Request, name string) (val int64, ok bool, err error) {
	str := r.Header.Get(name)
	if str == "" {
		return 0, false, nil
	}
	val, err = strconv.ParseInt(str, 10, 64)
	if err != nil || val <= 0 {
		return 0, false, fmt.Errorf("invalid %s header: %s", name, str)
	}
	return val, true, nil
}
