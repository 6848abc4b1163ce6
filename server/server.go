package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

// Server represents the image record server
type Server struct {
	config      *Config
	coordinator *Coordinator
	queries     *QueryEngine
	cache       Cache
	grpcSrv     *grpc.Server
}

// NewServer creates a new image record server
func NewServer(config *Config) (*Server, error) {
	var store MetadataStore
	var blobStore BlobStore

	switch config.Storage.Mode {
	case StorageModeMemory:
		// Development mode: process-local backends, no AWS required
		store = NewMemoryMetadataStore()
		blobStore = NewMemoryBlobStore()
		log.Printf("Using in-memory storage backends")

	default:
		dynamoStore, err := NewDynamoDBStore(config.AWS.Region, config.AWS.DynamoDB.ImagesTable, config.AWS.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create DynamoDB store: %v", err)
		}
		store = dynamoStore

		s3Store, err := NewS3BlobStore(config.AWS.Region, config.AWS.S3.BucketName, config.AWS.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 blob store: %v", err)
		}
		blobStore = s3Store
	}

	// Create Redis cache or use NoOpCache if Redis is not available
	var cache Cache = &NoOpCache{}
	if config.AWS.ElastiCache.Address != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		redisCache, err := NewRedisCache(ctx, config.AWS.ElastiCache.Address, config.AWS.ElastiCache.TTL)
		if err != nil {
			log.Printf("Warning: Failed to create Redis cache: %v. Continuing with NoOpCache.", err)
		} else {
			cache = redisCache
			log.Printf("Successfully connected to Redis cache at %s", config.AWS.ElastiCache.Address)
		}
	} else {
		log.Printf("No Redis address configured. Using NoOpCache.")
	}

	opTimeout := time.Duration(config.Server.RequestTimeoutSeconds) * time.Second

	// Create gRPC server
	grpcSrv := grpc.NewServer()
	reflection.Register(grpcSrv)

	return &Server{
		config:      config,
		coordinator: NewCoordinator(store, blobStore, cache, opTimeout),
		queries:     NewQueryEngine(store),
		cache:       cache,
		grpcSrv:     grpcSrv,
	}, nil
}

// Handler builds the HTTP route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/images", s.handleImages)
	mux.HandleFunc("/api/images/", s.handleImagePath)
	return mux
}

// Start starts the server
func (s *Server) Start() error {
	// Start gRPC server
	go func() {
		addr := fmt.Sprintf(":%d", s.config.Server.GRPCPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("Failed to listen on %s: %v", addr, err)
		}
		log.Printf("gRPC server listening on %s", addr)
		if err := s.grpcSrv.Serve(lis); err != nil {
			log.Fatalf("Failed to serve gRPC: %v", err)
		}
	}()

	// Start HTTP server
	addr := fmt.Sprintf(":%d", s.config.Server.HTTPPort)
	log.Printf("HTTP server listening on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// Stop stops the server
func (s *Server) Stop() {
	s.grpcSrv.GracefulStop()
	if closer, ok := s.cache.(io.Closer); ok {
		closer.Close()
	}
}

// handleRoot handles the root endpoint
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	fmt.Fprintf(w, "ImageStash AWS Adapter is running!")
}

// handleHealth handles the health endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// handleImages handles the /api/images endpoint
func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleInitiateUpload(w, r)
	case http.MethodGet:
		s.handleListImages(w, r)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleInitiateUpload creates a processing record and returns the
// presigned upload
func (s *Server) handleInitiateUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The trusted caller identity always wins over anything in the body
	if owner := ownerFromRequest(r); owner != "" {
		req.OwnerID = owner
	}

	session, err := s.coordinator.InitiateUpload(ctx, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

// handleListImages handles cursor-paginated listing
func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := r.URL.Query()

	q := &ListQuery{
		OwnerID:     ownerFromRequest(r),
		ContentType: params.Get("content_type"),
		Cursor:      params.Get("cursor"),
	}
	if q.OwnerID == "" {
		q.OwnerID = params.Get("owner_id")
	}

	if tags := params.Get("tags"); tags != "" {
		q.Tags = strings.Split(tags, ",")
	}

	for _, bound := range []struct {
		name string
		dst  *int64
	}{
		{"min_size", &q.MinSize},
		{"max_size", &q.MaxSize},
	} {
		if raw := params.Get(bound.name); raw != "" {
			value, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s value", bound.name))
				return
			}
			*bound.dst = value
		}
	}

	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid limit value")
			return
		}
		q.Limit = limit
	}

	if raw := params.Get("start"); raw != "" {
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid start time, expected RFC3339")
			return
		}
		q.Start = start
	}
	if raw := params.Get("end"); raw != "" {
		end, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid end time, expected RFC3339")
			return
		}
		q.End = end
	}

	result, err := s.queries.List(ctx, q)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleImagePath routes /api/images/{id} and /api/images/{id}/download
func (s *Server) handleImagePath(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/images/")
	parts := strings.Split(path, "/")

	if len(parts) == 1 && parts[0] != "" {
		s.handleImage(w, r, parts[0])
	} else if len(parts) == 2 && parts[1] == "download" {
		s.handleDownload(w, r, parts[0])
	} else {
		http.NotFound(w, r)
	}
}

// handleImage handles operations on a specific image record
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	owner := ownerFromRequest(r)

	switch r.Method {
	case http.MethodGet:
		record, err := s.coordinator.GetRecord(ctx, id, owner)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)

	case http.MethodPatch:
		var body struct {
			Status    string `json:"status"`
			SizeBytes int64  `json:"size_bytes"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		target, err := ParseStatus(body.Status)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "status must be active or error")
			return
		}

		record, err := s.coordinator.ConfirmUpload(ctx, id, owner, target, body.SizeBytes, body.Width, body.Height)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)

	case http.MethodPut:
		var patch MetaPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		record, err := s.coordinator.UpdateRecordMeta(ctx, id, owner, &patch)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)

	case http.MethodDelete:
		hard := r.URL.Query().Get("hard") == "true"
		if err := s.coordinator.DeleteRecord(ctx, id, owner, hard); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleDownload returns a presigned download URL for an image
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := r.Context()
	owner := ownerFromRequest(r)

	var ttl time.Duration
	if raw := r.URL.Query().Get("expiry"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid expiry value")
			return
		}
		ttl = time.Duration(seconds) * time.Second
	}

	credential, err := s.coordinator.GenerateReadAccess(ctx, id, owner, ttl)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, credential)
}

// ownerFromRequest extracts the trusted caller identity header.
func ownerFromRequest(r *http.Request) string {
	return r.Header.Get("user-id")
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// writeJSONError writes a JSON error envelope.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeError maps a coordinator or query engine error onto an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSONError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrBlobMissing):
		writeJSONError(w, http.StatusBadRequest, "file not found in object storage; upload it before confirming")
	case errors.Is(err, ErrRecordNotFound), errors.Is(err, ErrForbidden):
		// Records owned by someone else look exactly like missing ones
		writeJSONError(w, http.StatusNotFound, "image not found")
	case errors.Is(err, ErrConflict):
		writeJSONError(w, http.StatusConflict, "image state changed; fetch it again and retry")
	case errors.Is(err, ErrStoreUnavailable):
		log.Printf("Storage backend error: %v", err)
		writeJSONError(w, http.StatusServiceUnavailable, "storage temporarily unavailable")
	default:
		log.Printf("Internal error: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
