package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/aura/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockArchive implements interfaces.ArchiveBackend for testing
type MockArchive struct {
	mock.Mock
	name string
}

func (m *MockArchive) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	args := m.Called(ctx, id, contentType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockArchive) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	args := m.Called(ctx, data, contentType)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (m *MockArchive) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockArchive) Name() string {
	return m.name
}

func (m *MockArchive) LocationURI() string {
	return "mock:"
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiArchive_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{name: "all backends available", backends: []bool{true, true, true}, expected: true},
		{name: "some backends available", backends: []bool{false, true, false}, expected: true},
		{name: "no backends available", backends: []bool{false, false, false}, expected: false},
		{name: "no backends", backends: []bool{}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.ArchiveBackend
			for i, available := range tt.backends {
				m := &MockArchive{name: fmt.Sprintf("mock-A%x", i)}
				m.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, m)
			}

			multi := NewMultiArchive(backends, discard())
			assert.Equal(t, tt.expected, multi.Available(context.Background()))

			for _, backend := range backends {
				backend.(*MockArchive).AssertExpectations(t)
			}
		})
	}
}

func TestMultiArchive_Fetch(t *testing.T) {
	testData := []byte("snapshot bytes")
	testID, err := interfaces.ComputeContentID(testData)
	require.NoError(t, err)
	testErr := errors.New("test error")

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.ArchiveBackend
		expectedData  []byte
		expectedError bool
	}{
		{
			name: "first backend successful",
			setupMocks: func() []interfaces.ArchiveBackend {
				mock1 := &MockArchive{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, testID, interfaces.SnapshotType).Return(testData, nil)

				// Not consulted once the first one succeeds
				mock2 := &MockArchive{name: "mock-B"}

				return []interfaces.ArchiveBackend{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "first backend fails, second succeeds",
			setupMocks: func() []interfaces.ArchiveBackend {
				mock1 := &MockArchive{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, testID, interfaces.SnapshotType).Return(nil, testErr)

				mock2 := &MockArchive{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, testID, interfaces.SnapshotType).Return(testData, nil)

				return []interfaces.ArchiveBackend{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.ArchiveBackend {
				mock1 := &MockArchive{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, testID, interfaces.SnapshotType).Return(nil, testErr)

				mock2 := &MockArchive{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, testID, interfaces.SnapshotType).Return(nil, interfaces.ErrContentNotFound)

				return []interfaces.ArchiveBackend{mock1, mock2}
			},
			expectedError: true,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.ArchiveBackend {
				mock1 := &MockArchive{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)

				mock2 := &MockArchive{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, testID, interfaces.SnapshotType).Return(testData, nil)

				return []interfaces.ArchiveBackend{mock1, mock2}
			},
			expectedData: testData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiArchive(backends, discard())

			data, err := multi.Fetch(context.Background(), testID, interfaces.SnapshotType)
			if tt.expectedError {
				assert.Error(t, err)
				assert.ErrorIs(t, err, testErr, "every backend error is kept")
				assert.ErrorIs(t, err, interfaces.ErrNotFound)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expectedData, data)

			for _, backend := range backends {
				backend.(*MockArchive).AssertExpectations(t)
			}
		})
	}
}

func TestMultiArchive_Store(t *testing.T) {
	testData := []byte("snapshot bytes")
	testID, err := interfaces.ComputeContentID(testData)
	require.NoError(t, err)
	testErr := errors.New("test error")

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.ArchiveBackend
		expectedError bool
	}{
		{
			name: "all backends successful",
			setupMocks: func() []interfaces.ArchiveBackend {
				mock1 := &MockArchive{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, testData, interfaces.SnapshotType).Return(testID, nil)

				mock2 := &MockArchive{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, testData, interfaces.SnapshotType).Return(testID, nil)

				return []interfaces.ArchiveBackend{mock1, mock2}
			},
		},
		{
			name: "some backends fail",
			setupMocks: func() []interfaces.ArchiveBackend {
				mock1 := &MockArchive{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, testData, interfaces.SnapshotType).Return(testID, nil)

				mock2 := &MockArchive{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, testData, interfaces.SnapshotType).Return(interfaces.ContentID{}, testErr)

				return []interfaces.ArchiveBackend{mock1, mock2}
			},
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.ArchiveBackend {
				mock1 := &MockArchive{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, testData, interfaces.SnapshotType).Return(interfaces.ContentID{}, testErr)

				mock2 := &MockArchive{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, testData, interfaces.SnapshotType).Return(interfaces.ContentID{}, testErr)

				return []interfaces.ArchiveBackend{mock1, mock2}
			},
			expectedError: true,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.ArchiveBackend {
				mock1 := &MockArchive{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)

				mock2 := &MockArchive{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, testData, interfaces.SnapshotType).Return(testID, nil)

				return []interfaces.ArchiveBackend{mock1, mock2}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiArchive(backends, discard())

			id, err := multi.Store(context.Background(), testData, interfaces.SnapshotType)
			if tt.expectedError {
				assert.ErrorIs(t, err, testErr)
			} else {
				assert.NoError(t, err)
			}
			assert.True(t, testID.Equals(id))

			for _, backend := range backends {
				backend.(*MockArchive).AssertExpectations(t)
			}
		})
	}
}

func TestFileArchiveRoundTrip(t *testing.T) {
	archive, err := NewFileArchive(t.TempDir(), discard())
	require.NoError(t, err)
	ctx := context.Background()

	id, err := archive.Store(ctx, []byte("journal snapshot"), interfaces.SnapshotType)
	require.NoError(t, err)

	data, err := archive.Fetch(ctx, id, interfaces.SnapshotType)
	require.NoError(t, err)
	assert.Equal(t, []byte("journal snapshot"), data)

	_, err = archive.Fetch(ctx, id, interfaces.TranscriptType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
	assert.True(t, archive.Available(ctx))
}
