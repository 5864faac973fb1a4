package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/logging"
	"podcast-pipeline/internal/models"
	"podcast-pipeline/internal/storage"
)

// Publisher uploads cover art and the feed for a finished job.
type Publisher struct {
	uploader    storage.Uploader
	channel     Channel
	coverSource string
	http        *http.Client
	logger      *slog.Logger
	now         func() time.Time
}

func NewPublisher(uploader storage.Uploader, cfg config.Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Publisher{
		uploader: uploader,
		channel: Channel{
			Title:  cfg.FeedTitle,
			Link:   cfg.FeedLink,
			Author: cfg.FeedAuthor,
		},
		coverSource: cfg.FeedCoverSource,
		http:        &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
		now:         time.Now,
	}
}

// Publish returns the feed URL. Cover art problems are logged and the feed is published without art.
func (p *Publisher) Publish(ctx context.Context, job models.Job) (string, error) {
	if job.AudioURL == "" {
		return "", fmt.Errorf("publish %s: no audio url", job.ID)
	}
	title := job.Brief.Topic
	description := job.Brief.Topic
	if job.Outline != nil {
		if job.Outline.Title != "" {
			title = job.Outline.Title
		}
		if job.Outline.Introduction != "" {
			description = job.Outline.Introduction
		}
	}

	ch := p.channel
	if ch.Title == "" {
		ch.Title = title
	}
	ch.Description = description
	if art := p.cover(ctx, job.ID); art != "" {
		ch.ImageURL = art
	}

	doc, err := Build(ch, Episode{
		GUID:        job.ID,
		Title:       title,
		Description: description,
		AudioURL:    job.AudioURL,
		Duration:    time.Duration(job.Brief.LengthMinutes) * time.Minute,
		Published:   p.now(),
		ImageURL:    ch.ImageURL,
	})
	if err != nil {
		return "", err
	}
	url, err := p.uploader.Upload(ctx, storage.FeedKey(job.ID), doc, "application/rss+xml")
	if err != nil {
		return "", fmt.Errorf("upload feed: %w", err)
	}
	return url, nil
}

func (p *Publisher) cover(ctx context.Context, jobID string) string {
	if p.coverSource == "" {
		return ""
	}
	img, err := LoadCover(ctx, p.http, p.coverSource)
	if err != nil {
		p.logger.Warn("cover art unavailable", "job_id", jobID, "error", err)
		return ""
	}
	data, err := RenderCover(img)
	if err != nil {
		p.logger.Warn("cover art render failed", "job_id", jobID, "error", err)
		return ""
	}
	url, err := p.uploader.Upload(ctx, storage.CoverKey(jobID), data, "image/jpeg")
	if err != nil {
		p.logger.Warn("cover art upload failed", "job_id", jobID, "error", err)
		return ""
	}
	return url
}
