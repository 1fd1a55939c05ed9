// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides a readiness reactor over epoll, used to observe
// doorbell descriptors raised by the other execution domain.
package reactor
