package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// decodeRecord reads a JSON object body, keeping numbers exact.
func decodeRecord(w http.ResponseWriter, r *http.Request) (map[string]interface{}, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil || doc == nil {
		Error(w, http.StatusBadRequest, "Request body must be a JSON object")
		return nil, false
	}
	return doc, true
}

// resolveKey turns a path segment into a record key. Segments that look like
// integers also match numerically keyed records.
func (h *APIHandler) resolveKey(ctx context.Context, storeName, raw string) (interface{}, json.RawMessage, error) {
	rec, err := h.gateway.GetByID(ctx, storeName, raw)
	if err != nil || rec != nil {
		return raw, rec, err
	}
	if n, convErr := strconv.ParseInt(raw, 10, 64); convErr == nil {
		rec, err = h.gateway.GetByID(ctx, storeName, n)
		if err != nil || rec != nil {
			return n, rec, err
		}
	}
	return raw, nil, nil
}

// ListRecordsHandler returns every record of a store, or only those whose
// field equals eq when both query parameters are set.
func (h *APIHandler) ListRecordsHandler(w http.ResponseWriter, r *http.Request) {
	storeName := chi.URLParam(r, "store")
	field := r.URL.Query().Get("field")

	var (
		records []json.RawMessage
		err     error
	)
	if field == "" {
		records, err = h.gateway.GetAll(r.Context(), storeName)
	} else {
		eq := r.URL.Query().Get("eq")
		records, err = h.gateway.QueryWithFilter(r.Context(), storeName, fieldEquals(field, eq))
	}
	if err != nil {
		serviceError(w, r, err, "Failed to list records")
		return
	}
	JSON(w, http.StatusOK, records)
}

// fieldEquals matches records whose top-level or dotted field renders as want.
func fieldEquals(field, want string) func(json.RawMessage) bool {
	path := strings.Split(field, ".")
	return func(raw json.RawMessage) bool {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var cur interface{}
		if err := dec.Decode(&cur); err != nil {
			return false
		}
		for _, p := range path {
			obj, ok := cur.(map[string]interface{})
			if !ok {
				return false
			}
			if cur, ok = obj[p]; !ok {
				return false
			}
		}
		switch v := cur.(type) {
		case nil:
			return want == "null"
		case string:
			return v == want
		case json.Number, bool:
			return fmt.Sprint(v) == want
		}
		return false
	}
}

func (h *APIHandler) AddRecordHandler(w http.ResponseWriter, r *http.Request) {
	storeName := chi.URLParam(r, "store")
	doc, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	if err := h.gateway.Add(r.Context(), storeName, doc); err != nil {
		serviceError(w, r, err, "Failed to add record")
		return
	}
	JSON(w, http.StatusCreated, doc)
}

func (h *APIHandler) ClearStoreHandler(w http.ResponseWriter, r *http.Request) {
	storeName := chi.URLParam(r, "store")
	if err := h.gateway.ClearStore(r.Context(), storeName); err != nil {
		serviceError(w, r, err, "Failed to clear store")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) GetRecordHandler(w http.ResponseWriter, r *http.Request) {
	storeName := chi.URLParam(r, "store")
	_, rec, err := h.resolveKey(r.Context(), storeName, chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, r, err, "Failed to get record")
		return
	}
	if rec == nil {
		Error(w, http.StatusNotFound, "Record not found")
		return
	}
	JSON(w, http.StatusOK, rec)
}

// PutRecordHandler upserts a record. The key in the path wins when the body
// has none, taking the type of the record it already names; a body key that
// disagrees with the path is rejected.
func (h *APIHandler) PutRecordHandler(w http.ResponseWriter, r *http.Request) {
	storeName := chi.URLParam(r, "store")
	id := chi.URLParam(r, "id")

	def, ok := h.gateway.Schema().Store(storeName)
	if !ok {
		Error(w, http.StatusNotFound, "Unknown store "+storeName)
		return
	}
	doc, ok := decodeRecord(w, r)
	if !ok {
		return
	}
	if strings.Contains(def.KeyPath, ".") {
		Error(w, http.StatusBadRequest, "Store key is nested; use POST")
		return
	}
	if bodyKey, present := doc[def.KeyPath]; present {
		if fmt.Sprint(bodyKey) != id {
			Error(w, http.StatusBadRequest, "Record key does not match path")
			return
		}
	} else {
		key, _, err := h.resolveKey(r.Context(), storeName, id)
		if err != nil {
			serviceError(w, r, err, "Failed to update record")
			return
		}
		doc[def.KeyPath] = key
	}

	if err := h.gateway.Update(r.Context(), storeName, doc); err != nil {
		serviceError(w, r, err, "Failed to update record")
		return
	}
	JSON(w, http.StatusOK, doc)
}

func (h *APIHandler) DeleteRecordHandler(w http.ResponseWriter, r *http.Request) {
	storeName := chi.URLParam(r, "store")
	key, _, err := h.resolveKey(r.Context(), storeName, chi.URLParam(r, "id"))
	if err == nil {
		err = h.gateway.Delete(r.Context(), storeName, key)
	}
	if err != nil {
		serviceError(w, r, err, "Failed to delete record")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) CountRecordsHandler(w http.ResponseWriter, r *http.Request) {
	storeName := chi.URLParam(r, "store")
	n, err := h.gateway.Count(r.Context(), storeName)
	if err != nil {
		serviceError(w, r, err, "Failed to count records")
		return
	}
	JSON(w, http.StatusOK, map[string]int{"count": n})
}

// QueryIndexHandler matches ?value= against a declared index. "true" and
// "false" match boolean fields; type=number matches numeric fields.
func (h *APIHandler) QueryIndexHandler(w http.ResponseWriter, r *http.Request) {
	storeName := chi.URLParam(r, "store")
	indexName := chi.URLParam(r, "index")
	q := r.URL.Query()
	if !q.Has("value") {
		Error(w, http.StatusBadRequest, "value query parameter is required")
		return
	}

	var value interface{} = q.Get("value")
	switch {
	case q.Get("type") == "number":
		n, err := strconv.ParseFloat(q.Get("value"), 64)
		if err != nil {
			Error(w, http.StatusBadRequest, "value is not a number")
			return
		}
		value = n
	case q.Get("value") == "true" || q.Get("value") == "false":
		value = q.Get("value") == "true"
	}

	records, err := h.gateway.QueryByIndex(r.Context(), storeName, indexName, value)
	if err != nil {
		serviceError(w, r, err, "Failed to query index")
		return
	}
	JSON(w, http.StatusOK, records)
}
