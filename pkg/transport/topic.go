package transport

import "strings"

const (
	destinationPrefix = "/app/projects/"
	topicPrefix       = "/topic/projects/"
)

// Stream names one of the per-project message streams.
type Stream string

// Streams carried per project.
const (
	StreamUpdate Stream = "update"
	StreamCursor Stream = "cursor"
)

// Destination returns where clients send messages of stream s for a project.
func Destination(projectID string, s Stream) string {
	return destinationPrefix + projectID + "/" + string(s)
}

// Topic returns the topic subscribers of stream s listen on for a project.
func Topic(projectID string, s Stream) string {
	return topicPrefix + projectID + "/" + string(s)
}

// TopicFor maps a send destination to the topic it is delivered on.
// Destinations outside the project namespace are returned unchanged.
func TopicFor(destination string) string {
	if rest, ok := strings.CutPrefix(destination, destinationPrefix); ok {
		return topicPrefix + rest
	}
	return destination
}

// ParseTopic splits a project topic into its project ID and stream.
func ParseTopic(topic string) (projectID string, s Stream, ok bool) {
	rest, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], Stream(rest[i+1:]), true
}
