package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/rx3lixir/boltalka/pkg/s3storage"
)

// HandleGetAllUsers returns the whole user directory
func (s *Server) HandleGetAllUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.GetUsers(r.Context())
	if err != nil {
		s.handleError(w, err)
		return
	}

	response := make([]UserResponse, 0, len(users))
	for _, u := range users {
		response = append(response, userResponse(u))
	}

	s.respondJSON(w, http.StatusOK, response)
}

// HandleGetMe returns the authenticated user's own profile
func (s *Server) HandleGetMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	user, err := s.users.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		s.handleError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, userResponse(user))
}

// HandleGetUserByID returns one user's profile
func (s *Server) HandleGetUserByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid user id")
		return
	}

	user, err := s.users.GetUserByID(r.Context(), id)
	if err != nil {
		s.handleError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, userResponse(user))
}

// HandleUpdateProfile updates the authenticated user's username
func (s *Server) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	req := new(UpdateProfileRequest)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	if req.Username == "" || len(req.Username) < 2 || len(req.Username) > 28 {
		s.handleError(w, NewValidationError("Username must be 2 to 28 characters long"))
		return
	}

	if err := s.users.UpdateUserProfile(r.Context(), claims.UserID, req.Username, nil); err != nil {
		s.handleError(w, err)
		return
	}

	user, err := s.users.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		s.handleError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, userResponse(user))
}

// HandleUploadAvatar stores a new avatar and points the profile at it
func (s *Server) HandleUploadAvatar(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		s.respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if err := r.ParseMultipartForm(s3storage.MaxUploadSize); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	file, header, err := r.FormFile("avatar")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Missing avatar file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, s3storage.MaxUploadSize+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "Failed to read file")
		return
	}

	objectName, err := s.blobs.Upload(r.Context(), s3storage.PrefixAvatars, header.Filename, data)
	if err != nil {
		if errors.Is(err, s3storage.ErrTooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		s.log.Error("Failed to upload avatar", "error", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to store avatar")
		return
	}

	url := s.blobs.PublicURL(objectName)

	user, err := s.users.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		s.handleError(w, err)
		return
	}

	if err := s.users.UpdateUserProfile(r.Context(), claims.UserID, user.Username, &url); err != nil {
		s.handleError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, UploadResponse{URL: url})
}
