package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/outbound-followup-engine/internal/repository"
	apperrors "github.com/acme/outbound-followup-engine/pkg/errors"
)

func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, apperrors.ErrMissingRequiredParameter):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, apperrors.ErrEmptyTargetSet), errors.Is(err, apperrors.ErrValidation):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, apperrors.ErrTemplateNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, repository.ErrNotFound) || errors.Is(err, apperrors.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "resource not found")
	case errors.Is(err, apperrors.ErrConflict) || errors.Is(err, repository.ErrConflict):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrUnavailable):
		return fiber.NewError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}
